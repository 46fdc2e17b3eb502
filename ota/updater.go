// Package ota validates firmware update manifests and drives the
// None -> InProgress -> PendingReboot update state machine.
package ota

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/ha-agent/logger"
)

// Outcome is the result of an accepted or rejected manifest
type Outcome int

const (
	// OutcomeRejected means the manifest was refused; the error says why
	OutcomeRejected Outcome = iota
	// OutcomeUpToDate means the requested version is already running
	OutcomeUpToDate
	// OutcomeStarted means a transfer was started
	OutcomeStarted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpToDate:
		return "up_to_date"
	case OutcomeStarted:
		return "started"
	default:
		return "rejected"
	}
}

// Config wires the updater to its collaborators
type Config struct {
	Target    Target
	Partition Partition
	Slot      Slot
	Fetcher   Fetcher
	// Timeout bounds one transfer. Zero means DefaultTransferTimeout.
	Timeout time.Duration
}

// Updater is the update state machine. Only the updater transitions its
// state; other goroutines read it through State and RebootPending.
type Updater struct {
	target    Target
	partition Partition
	slot      Slot
	fetcher   Fetcher
	timeout   time.Duration

	mu      sync.Mutex
	state   State
	lastErr error

	rebootPending atomic.Bool
	wg            sync.WaitGroup
}

// New creates the updater and consults the partition's boot state
func New(cfg Config) (*Updater, error) {
	if cfg.Partition == nil || cfg.Slot == nil || cfg.Fetcher == nil {
		return nil, fmt.Errorf("ota: partition, slot and fetcher are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTransferTimeout
	}

	u := &Updater{
		target:    cfg.Target,
		partition: cfg.Partition,
		slot:      cfg.Slot,
		fetcher:   cfg.Fetcher,
		timeout:   cfg.Timeout,
		state:     StateNone,
	}

	pending, err := cfg.Partition.PendingVerify()
	if err != nil {
		return nil, fmt.Errorf("ota: query boot state: %w", err)
	}
	if pending {
		u.state = StatePendingVerify
		logger.Warn("running firmware %s is awaiting verification", cfg.Target.FirmwareVersion)
	}
	return u, nil
}

// transition must be called with mu held
func (u *Updater) transition(to State) {
	if !CanTransition(u.state, to) {
		panic(fmt.Sprintf("ota: invalid state transition %s -> %s", u.state, to))
	}
	logger.Debug("update state %s -> %s", u.state, to)
	u.state = to
}

// State returns the current update state
func (u *Updater) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// RebootPending reports whether a new image is installed and the host should restart
func (u *Updater) RebootPending() bool {
	return u.rebootPending.Load()
}

// Err returns the error of the last failed transfer, if any
func (u *Updater) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastErr
}

// Handle validates an update command payload and starts the transfer on a
// separate goroutine when the manifest is acceptable.
func (u *Updater) Handle(payload []byte) (Outcome, error) {
	m, err := ParseManifest(payload)
	if err != nil {
		logger.Warn("update rejected: %v", err)
		return OutcomeRejected, err
	}

	if err := u.target.Matches(m); err != nil {
		logger.Warn("update rejected: %v", err)
		return OutcomeRejected, err
	}

	if m.FirmwareVersion == u.target.FirmwareVersion {
		logger.Info("firmware %s already running", m.FirmwareVersion)
		return OutcomeUpToDate, nil
	}

	u.mu.Lock()
	if u.state != StateNone {
		state := u.state
		u.mu.Unlock()
		logger.Warn("update to %s rejected: state is %s", m.FirmwareVersion, state)
		return OutcomeRejected, fmt.Errorf("%w: state is %s", ErrBusy, state)
	}
	u.transition(StateInProgress)
	u.lastErr = nil
	u.wg.Add(1)
	u.mu.Unlock()

	logger.Info("starting update %s -> %s from %s", u.target.FirmwareVersion, m.FirmwareVersion, m.FirmwareFile)
	go u.transfer(m)
	return OutcomeStarted, nil
}

func (u *Updater) transfer(m *Manifest) {
	defer u.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
	defer cancel()

	start := time.Now()
	err := u.fetcher.Fetch(ctx, m.FirmwareFile, m.SHA256, u.slot)

	u.mu.Lock()
	defer u.mu.Unlock()
	if err != nil {
		u.lastErr = fmt.Errorf("%w: %w", ErrTransferFailed, err)
		u.transition(StateNone)
		logger.Error("update to %s failed: %v", m.FirmwareVersion, err)
		return
	}

	u.transition(StatePendingReboot)
	u.rebootPending.Store(true)
	logger.Info("update to %s installed in %v, reboot pending", m.FirmwareVersion, time.Since(start).Round(time.Millisecond))
}

// Wait blocks until a running transfer finishes and returns its error
func (u *Updater) Wait() error {
	u.wg.Wait()
	return u.Err()
}

// Confirm marks the running image valid. It is a no-op unless the state is PendingVerify.
func (u *Updater) Confirm() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StatePendingVerify {
		return nil
	}
	if err := u.partition.MarkValid(); err != nil {
		return fmt.Errorf("ota: confirm image: %w", err)
	}
	u.transition(StateNone)
	logger.Info("firmware %s confirmed", u.target.FirmwareVersion)
	return nil
}

// Rollback reverts to the previous image while the running one is unconfirmed,
// and raises the reboot flag.
func (u *Updater) Rollback() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StatePendingVerify {
		return fmt.Errorf("ota: rollback requires %s, state is %s", StatePendingVerify, u.state)
	}
	if err := u.partition.Rollback(); err != nil {
		return fmt.Errorf("ota: rollback: %w", err)
	}
	u.rebootPending.Store(true)
	return nil
}
