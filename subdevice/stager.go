// Package subdevice stages firmware images for attached sub-devices. The
// downstream node pulls the staged image and reports its new version once
// it has flashed it.
package subdevice

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddielth/ha-agent/ha"
	"github.com/eddielth/ha-agent/logger"
	"github.com/eddielth/ha-agent/ota"
)

// StagedFunc is called after an image was downloaded and verified
type StagedFunc func(info ha.SubDeviceInfo, m *ota.Manifest, path string)

// Stager implements ha.SubDeviceUpdater for sub-devices whose model it knows
type Stager struct {
	manufacturer string
	models       map[string]bool
	dir          string
	fetcher      ota.Fetcher
	timeout      time.Duration
	onStaged     StagedFunc

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
}

// NewStager stages images under dir. manufacturer must match every manifest.
func NewStager(manufacturer, dir string, models []string, fetcher ota.Fetcher, timeout time.Duration, onStaged StagedFunc) *Stager {
	known := make(map[string]bool, len(models))
	for _, m := range models {
		known[m] = true
	}
	if timeout <= 0 {
		timeout = ota.DefaultTransferTimeout
	}
	return &Stager{
		manufacturer: manufacturer,
		models:       known,
		dir:          dir,
		fetcher:      fetcher,
		timeout:      timeout,
		onStaged:     onStaged,
		inFlight:     make(map[string]bool),
	}
}

// CanHandle implements ha.SubDeviceUpdater
func (s *Stager) CanHandle(info ha.SubDeviceInfo) bool {
	return s.models[info.Model]
}

// ImagePath is where the image for a sub-device is staged
func (s *Stager) ImagePath(id string) string {
	return filepath.Join(s.dir, id+".img")
}

// HandleUpdate implements ha.SubDeviceUpdater. Validation follows the root
// device rules; the download runs on its own goroutine.
func (s *Stager) HandleUpdate(info ha.SubDeviceInfo, payload []byte) error {
	m, err := ota.ParseManifest(payload)
	if err != nil {
		return err
	}

	target := ota.Target{
		Manufacturer:    s.manufacturer,
		Model:           info.Model,
		HardwareVersion: info.HardwareVersion,
		FirmwareVersion: info.SoftwareTag,
	}
	if err := target.Matches(m); err != nil {
		return err
	}
	if m.FirmwareVersion == info.SoftwareTag {
		logger.Info("sub-device %s already runs %s", info.ID, m.FirmwareVersion)
		return nil
	}

	s.mu.Lock()
	if s.inFlight[info.ID] {
		s.mu.Unlock()
		return fmt.Errorf("%w: sub-device %s", ota.ErrBusy, info.ID)
	}
	s.inFlight[info.ID] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.stage(info, m)
	return nil
}

func (s *Stager) stage(info ha.SubDeviceInfo, m *ota.Manifest) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, info.ID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	path := s.ImagePath(info.ID)
	if err := s.fetcher.Fetch(ctx, m.FirmwareFile, m.SHA256, ota.FileSlot{Path: path}); err != nil {
		logger.Error("staging %s for sub-device %s failed: %v", m.FirmwareVersion, info.ID, err)
		return
	}

	logger.Info("staged %s for sub-device %s at %s", m.FirmwareVersion, info.ID, path)
	if s.onStaged != nil {
		s.onStaged(info, m, path)
	}
}

// Wait blocks until all running downloads finish
func (s *Stager) Wait() {
	s.wg.Wait()
}
