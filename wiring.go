package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/eddielth/ha-agent/config"
	"github.com/eddielth/ha-agent/ha"
	"github.com/eddielth/ha-agent/logger"
	"github.com/eddielth/ha-agent/ota"
	"github.com/eddielth/ha-agent/script"
	"github.com/eddielth/ha-agent/storage"
	"github.com/eddielth/ha-agent/subdevice"
)

// configRecordKey holds the last configuration text received over MQTT
const configRecordKey = "remote_config"

type configRecord struct {
	Payload  string    `json:"payload"`
	Received time.Time `json:"received"`
}

func saveConfigText(store storage.RecordStore) ha.ConfigHandler {
	return func(payload []byte) {
		rec := configRecord{Payload: string(payload), Received: time.Now()}
		if err := store.Save(configRecordKey, rec); err != nil {
			logger.Error("failed to persist config text: %v", err)
		}
	}
}

// stagedRecord is kept per sub-device so the downstream node, or an operator,
// can find the last verified image after a restart
type stagedRecord struct {
	ID              string    `json:"id"`
	FirmwareVersion string    `json:"firmware_version"`
	SHA256          string    `json:"sha256"`
	Path            string    `json:"path"`
	Staged          time.Time `json:"staged"`
}

func stagedRecordKey(id string) string {
	return "staged_" + id
}

func recordStaged(store storage.RecordStore) subdevice.StagedFunc {
	return func(info ha.SubDeviceInfo, m *ota.Manifest, path string) {
		rec := stagedRecord{
			ID:              info.ID,
			FirmwareVersion: m.FirmwareVersion,
			SHA256:          m.SHA256,
			Path:            path,
			Staged:          time.Now(),
		}
		if err := store.Save(stagedRecordKey(info.ID), rec); err != nil {
			logger.Error("failed to record staged image for %s: %v", info.ID, err)
			return
		}
		logger.Info("sub-device %s: image %s ready at %s", info.ID, m.FirmwareVersion, path)
	}
}

// buildArchive creates the enabled state archive backends
func buildArchive(cfg config.StorageConfig) (*storage.Manager, error) {
	var backends []storage.StorageBackend

	if cfg.File.Enabled {
		fs, err := storage.NewFileStorage(cfg.File.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file storage: %w", err)
		}
		backends = append(backends, fs)
		logger.Info("file storage enabled at %s", cfg.File.Path)
	}

	if cfg.Database.Enabled {
		db, err := storage.NewDatabaseStorage(cfg.Database.Type, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize %s storage: %w", cfg.Database.Type, err)
		}
		backends = append(backends, db)
		logger.Info("%s storage enabled", cfg.Database.Type)
	}

	if cfg.InfluxDB.Enabled {
		influx, err := storage.NewInfluxStorage(storage.InfluxConfig{
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			BatchSize:     cfg.InfluxDB.BatchSize,
			FlushInterval: cfg.InfluxDB.FlushInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize InfluxDB storage: %w", err)
		}
		backends = append(backends, influx)
		logger.Info("InfluxDB storage enabled, bucket %s", cfg.InfluxDB.Bucket)
	}

	return storage.NewManager(backends), nil
}

func subDeviceInfo(sd config.SubDeviceConfig) ha.SubDeviceInfo {
	return ha.SubDeviceInfo{
		ID:              sd.ID,
		Name:            sd.Name,
		Model:           sd.Model,
		HardwareVersion: sd.HardwareVersion,
		SoftwareTag:     sd.SoftwareTag,
		Hash:            sd.Hash,
	}
}

func subDeviceModels(subdevices []config.SubDeviceConfig) []string {
	var models []string
	for _, sd := range subdevices {
		if sd.Model != "" {
			models = append(models, sd.Model)
		}
	}
	return models
}

// subDeviceSensors returns the script sensors attached to sub-device id
func subDeviceSensors(scripts *script.Manager, configs map[string]config.ScriptSensor, id string) []ha.Sensor {
	var sensors []ha.Sensor
	for _, name := range scripts.Names() {
		if configs[name].SubDevice != id {
			continue
		}
		if s, ok := scripts.Get(name); ok {
			sensors = append(sensors, s)
		}
	}
	return sensors
}

// reloader applies hot-reloadable settings from a changed config file
type reloader struct {
	engine  *ha.Engine
	scripts *script.Manager
}

func (r *reloader) apply(cfg *config.Config) error {
	if err := logger.SetLevel(cfg.Logger.Level); err != nil {
		logger.Warn("log level not changed: %v", err)
	}

	for name, sc := range cfg.Sensors {
		s, created, err := r.scripts.Reload(name, sc)
		if err != nil {
			// keep going with the remaining sensors
			logger.Error("failed to reload sensor %s: %v", name, err)
			continue
		}
		if !created {
			continue
		}
		if sc.SubDevice != "" {
			logger.Warn("sensor %s for sub-device %s takes effect after restart", name, sc.SubDevice)
			continue
		}
		if err := r.engine.AddSensor(s); err != nil {
			logger.Error("failed to announce sensor %s: %v", name, err)
		}
	}

	for _, sd := range cfg.SubDevices {
		d, err := r.engine.Registry().FindSubDevice(sd.ID)
		if errors.Is(err, ha.ErrSubDeviceNotFound) {
			if _, err := r.engine.RegisterSubDevice(subDeviceInfo(sd), subDeviceSensors(r.scripts, cfg.Sensors, sd.ID)...); err != nil {
				logger.Error("failed to register sub-device %s: %v", sd.ID, err)
			}
			continue
		}
		info := d.Info()
		if info.SoftwareTag == sd.SoftwareTag && info.Hash == sd.Hash {
			continue
		}
		if err := r.engine.UpdateSubDeviceVersion(sd.ID, sd.SoftwareTag, sd.Hash); err != nil {
			logger.Error("failed to update sub-device %s: %v", sd.ID, err)
		}
	}

	if err := r.engine.PublishDiscoveryAll(); err != nil && !errors.Is(err, ha.ErrNotConnected) {
		return err
	}
	if err := r.engine.SubscribeControlTopics(); err != nil && !errors.Is(err, ha.ErrNotConnected) {
		return err
	}
	return nil
}
