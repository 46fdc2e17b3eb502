// Package ha publishes a device, its sensors and its sub-devices to Home
// Assistant over MQTT discovery, and routes inbound control messages.
//
// The engine never blocks on the broker: publishes are fire-and-forget and
// are suspended while the transport is disconnected. On every connect it
// republishes discovery and re-subscribes before any state goes out.
package ha

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/ha-agent/identity"
	"github.com/eddielth/ha-agent/logger"
	"github.com/eddielth/ha-agent/ota"
	"github.com/eddielth/ha-agent/storage"
	"github.com/eddielth/ha-agent/sysstats"
)

// Transport is the publish/subscribe client the engine drives
type Transport interface {
	Publish(topic string, payload []byte, retain bool) error
	Subscribe(topic string) error
	// SetHandler registers the receiver of connection and message events
	SetHandler(h Handler)
}

// Handler receives transport events
type Handler interface {
	OnConnect()
	OnConnectionLost(err error)
	OnMessage(topic string, payload []byte)
}

// UpdateHandler accepts firmware update manifests
type UpdateHandler interface {
	Handle(payload []byte) (ota.Outcome, error)
}

// Archiver stores published state snapshots
type Archiver interface {
	Store(snapshot storage.Snapshot) error
}

// ConfigHandler receives configuration text sent to the device
type ConfigHandler func(payload []byte)

// Defaults for Options
const (
	DefaultStateInterval   = time.Second
	DefaultBuiltinInterval = 10 * time.Second
)

// archiveQueueSize bounds the snapshots waiting for the archiver. Snapshots
// are dropped when it is full.
const archiveQueueSize = 64

// Options configures an Engine
type Options struct {
	// Root is the product namespace, DefaultRoot when empty
	Root     string
	Identity *identity.Identity
	Updater  UpdateHandler
	Stats    sysstats.Source

	// Optional collaborators
	Archiver         Archiver
	OnConfig         ConfigHandler
	Shipper          *logger.Shipper
	SubDeviceUpdater []SubDeviceUpdater

	ExpireAfter     int
	StateInterval   time.Duration
	BuiltinInterval time.Duration
}

// Engine is the device telemetry and control protocol engine
type Engine struct {
	opts      Options
	topics    Topics
	registry  *Registry
	transport Transport

	// pubMu serializes discovery and state publication
	pubMu       sync.Mutex
	ready       atomic.Bool
	nextBuiltin time.Time
	now         func() time.Time
	// announced holds the value keys with published discovery, per object id.
	// Guarded by pubMu and cleared on every connect.
	announced map[string]map[string]bool

	archive     chan storage.Snapshot
	archiveDone chan struct{}
	archiveWG   sync.WaitGroup
	closeOnce   sync.Once

	rebootPending atomic.Bool
}

// NewEngine creates the engine and registers it with the transport
func NewEngine(opts Options, transport Transport) (*Engine, error) {
	if opts.Identity == nil {
		return nil, errors.New("ha: identity is required")
	}
	if opts.Updater == nil {
		return nil, errors.New("ha: updater is required")
	}
	if opts.Root == "" {
		opts.Root = DefaultRoot
	}
	if opts.ExpireAfter <= 0 {
		opts.ExpireAfter = DefaultExpireAfter
	}
	if opts.StateInterval <= 0 {
		opts.StateInterval = DefaultStateInterval
	}
	if opts.BuiltinInterval <= 0 {
		opts.BuiltinInterval = DefaultBuiltinInterval
	}

	e := &Engine{
		opts:      opts,
		topics:    Topics{Root: opts.Root, EquipmentID: opts.Identity.EquipmentID},
		registry:  NewRegistry(),
		transport: transport,
		now:       time.Now,
		announced: make(map[string]map[string]bool),
	}
	if opts.Archiver != nil {
		e.archive = make(chan storage.Snapshot, archiveQueueSize)
		e.archiveDone = make(chan struct{})
		e.archiveWG.Add(1)
		go e.archiveLoop()
	}
	transport.SetHandler(e)
	return e, nil
}

// Topics returns the device's topic builder
func (e *Engine) Topics() Topics {
	return e.topics
}

// Registry returns the device registry
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Connected reports whether discovery has been published on the current connection
func (e *Engine) Connected() bool {
	return e.ready.Load()
}

// RebootPending reports whether a reboot command was received
func (e *Engine) RebootPending() bool {
	return e.rebootPending.Load()
}

// AddSensor registers a root sensor. When connected, its discovery is
// published and its command topics subscribed before it can appear in state.
func (e *Engine) AddSensor(s Sensor) error {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	e.registry.AddSensor(s)
	if !e.ready.Load() {
		return nil
	}

	var errs []error
	root := e.rootOwner()
	for _, d := range s.Descriptors() {
		errs = append(errs, e.publishDescriptor(root, d))
	}
	for _, key := range controllableKeys(s) {
		errs = append(errs, e.subscribe(e.topics.Command(key)))
	}
	return errors.Join(errs...)
}

// AddSubDeviceUpdater registers a handler for sub-device update commands
func (e *Engine) AddSubDeviceUpdater(u SubDeviceUpdater) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	e.opts.SubDeviceUpdater = append(e.opts.SubDeviceUpdater, u)
}

// OnConnect implements Handler: announce availability, publish discovery,
// subscribe, then publish the first state.
func (e *Engine) OnConnect() {
	logger.Info("transport connected, publishing discovery for %s", e.topics.EquipmentID)

	e.pubMu.Lock()
	clear(e.announced)
	if err := e.transport.Publish(e.topics.Availability(), []byte(PayloadOnline), true); err != nil {
		logger.Warn("failed to publish availability: %v", err)
	}
	if err := e.publishDiscoveryAll(); err != nil {
		logger.Warn("discovery incomplete: %v", err)
	}
	if err := e.subscribeControlTopics(); err != nil {
		logger.Warn("subscriptions incomplete: %v", err)
	}
	e.ready.Store(true)
	e.nextBuiltin = time.Time{}
	e.pubMu.Unlock()

	if e.opts.Shipper != nil {
		e.opts.Shipper.Attach(e.ShipLogs)
	}

	if err := e.PublishState(); err != nil {
		logger.Warn("initial state publish failed: %v", err)
	}
}

// OnConnectionLost implements Handler. Publishing is suspended until the next connect.
func (e *Engine) OnConnectionLost(err error) {
	e.ready.Store(false)
	if e.opts.Shipper != nil {
		e.opts.Shipper.Detach()
	}
	logger.Warn("transport connection lost, publishing suspended: %v", err)
}

// OnMessage implements Handler
func (e *Engine) OnMessage(topic string, payload []byte) {
	if err := e.DispatchControl(topic, payload); err != nil {
		if errors.Is(err, ErrUnknownControl) {
			logger.Debug("ignoring %s: %v", topic, err)
			return
		}
		logger.Warn("control message on %s failed: %v", topic, err)
	}
}

// PublishDiscoveryAll publishes every discovery message of the device and its sub-devices
func (e *Engine) PublishDiscoveryAll() error {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	if !e.ready.Load() {
		return ErrNotConnected
	}
	return e.publishDiscoveryAll()
}

// SubscribeControlTopics subscribes to every command topic of the device
func (e *Engine) SubscribeControlTopics() error {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	if !e.ready.Load() {
		return ErrNotConnected
	}
	return e.subscribeControlTopics()
}

// RegisterSubDevice adds a sub-device and, when connected, announces it
func (e *Engine) RegisterSubDevice(info SubDeviceInfo, sensors ...Sensor) (*SubDevice, error) {
	d, err := NewSubDevice(info, sensors...)
	if err != nil {
		return nil, err
	}

	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	e.registry.AddSubDevice(d)
	logger.Info("sub-device %s (%s) registered with %d sensors", info.ID, info.Model, len(sensors))
	if !e.ready.Load() {
		return d, nil
	}
	if err := e.publishSubDeviceDiscovery(d); err != nil {
		return d, err
	}
	return d, e.subscribeSubDevice(d)
}

// UpdateSubDeviceVersion changes a sub-device's software tag and hash and
// republishes its discovery set, even when nothing changed.
func (e *Engine) UpdateSubDeviceVersion(id, tag, hash string) error {
	d, err := e.registry.FindSubDevice(id)
	if err != nil {
		return err
	}
	if err := d.SetVersion(tag, hash); err != nil {
		return err
	}
	logger.Info("sub-device %s now at %s", id, tag)

	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	if !e.ready.Load() {
		return nil
	}
	return e.publishSubDeviceDiscovery(d)
}

// ShipLogs publishes buffered log bytes. It is the log shipper's sink.
// The shipper has already reset its buffer, so bytes that cannot be
// published are lost (at-most-once).
func (e *Engine) ShipLogs(p []byte) {
	if !e.ready.Load() || len(p) == 0 {
		return
	}
	if err := e.transport.Publish(e.topics.Logs(), p, false); err != nil {
		logger.Debug("log shipping failed: %v", err)
	}
}

// Run publishes state every StateInterval until ctx is done
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.StateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.PublishState(); err != nil && !errors.Is(err, ErrNotConnected) {
				logger.Warn("state publish failed: %v", err)
			}
		}
	}
}

// Shutdown marks the device offline and waits for queued snapshots to be archived
func (e *Engine) Shutdown() {
	if e.opts.Shipper != nil {
		e.opts.Shipper.Flush()
		e.opts.Shipper.Detach()
	}
	if e.ready.Swap(false) {
		if err := e.transport.Publish(e.topics.Availability(), []byte(PayloadOffline), true); err != nil {
			logger.Debug("failed to publish offline: %v", err)
		}
	}
	if e.archive != nil {
		e.closeOnce.Do(func() { close(e.archiveDone) })
		e.archiveWG.Wait()
	}
}

// enqueueArchive hands a snapshot to the archive goroutine without blocking
func (e *Engine) enqueueArchive(snapshot storage.Snapshot) {
	if e.archive == nil {
		return
	}
	select {
	case e.archive <- snapshot:
	default:
		logger.Warn("archive queue full, dropping %s snapshot", snapshot.Source)
	}
}

func (e *Engine) archiveLoop() {
	defer e.archiveWG.Done()
	for {
		select {
		case s := <-e.archive:
			e.store(s)
		case <-e.archiveDone:
			for {
				select {
				case s := <-e.archive:
					e.store(s)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) store(s storage.Snapshot) {
	if err := e.opts.Archiver.Store(s); err != nil {
		logger.Warn("archive %s state failed: %v", s.Source, err)
	}
}
