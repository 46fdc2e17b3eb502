// Ha-agent exposes a device, its sensors and attached sub-devices to Home
// Assistant over MQTT, and accepts firmware updates, reboot and config
// commands from it.
//
// Usage:
//
//	ha-agent [--config config.yaml]
//	ha-agent version
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eddielth/ha-agent/config"
	"github.com/eddielth/ha-agent/ha"
	"github.com/eddielth/ha-agent/identity"
	"github.com/eddielth/ha-agent/logger"
	"github.com/eddielth/ha-agent/mqtt"
	"github.com/eddielth/ha-agent/ota"
	"github.com/eddielth/ha-agent/script"
	"github.com/eddielth/ha-agent/storage"
	"github.com/eddielth/ha-agent/subdevice"
	"github.com/eddielth/ha-agent/sysstats"
)

// exitRestart asks the supervisor to start the agent again
const exitRestart = 3

// Version is the firmware build tag, set with -ldflags "-X main.Version=..."
var Version = ""

var errRestart = errors.New("restart requested")

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errRestart) {
			logger.Close()
			os.Exit(exitRestart)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ha-agent",
	Short: "Home Assistant MQTT device agent",
	Long: `Publishes the device identity, built-in telemetry, scripted sensors and
sub-devices to Home Assistant via MQTT discovery, and handles firmware update,
reboot and configuration commands.

The process exits with status 3 when a restart is required (new firmware
installed, rollback, or reboot command).`,
	SilenceUsage: true,
	RunE:         runAgent,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the firmware tag and image hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		rev, err := identity.RunningRevision(buildTag(""))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (sha256 %s)\n", rev.Tag, rev.Hash)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the configuration file")
	rootCmd.AddCommand(versionCmd)
}

// buildTag prefers the linked-in version over the configured tag
func buildTag(configured string) string {
	switch {
	case Version != "":
		return Version
	case configured != "":
		return configured
	default:
		return "dev"
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		logger.Warn("logger config rejected: %v", err)
	}
	logger.ConfigureShipper(cfg.Logger.ShipBuffer, cfg.Logger.ShipIntervalDuration())
	defer logger.Close()

	records, err := storage.NewFileRecordStore(cfg.Device.DataDir)
	if err != nil {
		return err
	}

	rev, err := identity.RunningRevision(buildTag(cfg.Device.FirmwareTag))
	if err != nil {
		logger.Warn("running image hash unavailable: %v", err)
	}

	id, err := identity.Load(records, cfg.Device.Manufacturer, cfg.Device.Model, cfg.Device.HardwareRevision, rev)
	if err != nil {
		return err
	}
	logger.Info("device %s %s hw=%s sw=%s", id.Model, id.EquipmentID, id.HardwareRevision, id.Software)

	partition, err := ota.NewFilePartition(cfg.Update.PartitionDir, records)
	if err != nil {
		return err
	}
	fetcher := ota.NewHTTPFetcher(cfg.Update.Timeout)
	updater, err := ota.New(ota.Config{
		Target: ota.Target{
			Manufacturer:    id.Manufacturer,
			Model:           id.Model,
			HardwareVersion: id.HardwareRevision,
			FirmwareVersion: id.Software.Tag,
		},
		Partition: partition,
		Slot:      partition,
		Fetcher:   fetcher,
		Timeout:   cfg.Update.Timeout,
	})
	if err != nil {
		return err
	}

	archive, err := buildArchive(cfg.Storage)
	if err != nil {
		return err
	}
	defer archive.Close()

	topics := ha.Topics{Root: cfg.MQTT.RootTopic, EquipmentID: id.EquipmentID}
	client, err := mqtt.NewClient(cfg.MQTT, topics.Availability())
	if err != nil {
		return fmt.Errorf("failed to initialize MQTT client: %w", err)
	}

	opts := ha.Options{
		Root:            cfg.MQTT.RootTopic,
		Identity:        id,
		Updater:         updater,
		Stats:           sysstats.NewHost(),
		OnConfig:        saveConfigText(records),
		Shipper:         logger.DefaultShipper(),
		ExpireAfter:     cfg.MQTT.ExpireAfter,
		StateInterval:   cfg.MQTT.StateInterval,
		BuiltinInterval: cfg.MQTT.BuiltinInterval,
	}
	if archive.Len() > 0 {
		opts.Archiver = archive
	}
	engine, err := ha.NewEngine(opts, client)
	if err != nil {
		return err
	}

	scripts, err := script.NewManager(cfg.Sensors)
	if err != nil {
		return err
	}
	for _, name := range scripts.Names() {
		if cfg.Sensors[name].SubDevice != "" {
			continue
		}
		s, _ := scripts.Get(name)
		engine.AddSensor(s)
	}

	stager := subdevice.NewStager(id.Manufacturer, filepath.Join(cfg.Update.PartitionDir, "subdevices"),
		subDeviceModels(cfg.SubDevices), fetcher, cfg.Update.Timeout, recordStaged(records))
	engine.AddSubDeviceUpdater(stager)

	for _, sd := range cfg.SubDevices {
		if _, err := engine.RegisterSubDevice(subDeviceInfo(sd), subDeviceSensors(scripts, cfg.Sensors, sd.ID)...); err != nil {
			logger.Error("failed to register sub-device %s: %v", sd.ID, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go logger.DefaultShipper().Start(ctx)

	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	go engine.Run(ctx)
	go verifyImage(ctx, updater, engine, cfg.Update.VerifyTimeout)

	reloader := &reloader{engine: engine, scripts: scripts}
	if err := config.WatchConfig(configPath, reloader.apply); err != nil {
		logger.Warn("failed to watch config file: %v", err)
	}

	logger.Info("ha-agent started, equipment id %s", id.EquipmentID)

	restart := waitForRestart(ctx, engine, updater)

	engine.Shutdown()
	client.Disconnect()
	stager.Wait()

	if restart {
		logger.Info("restarting")
		return errRestart
	}
	logger.Info("ha-agent stopped")
	return nil
}

// waitForRestart polls the reboot flags until one is raised or ctx ends
func waitForRestart(ctx context.Context, engine *ha.Engine, updater *ota.Updater) bool {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if engine.RebootPending() || updater.RebootPending() {
				return true
			}
		}
	}
}

// verifyImage confirms a pending image once the broker has been reached, and
// rolls back when that does not happen within timeout.
func verifyImage(ctx context.Context, updater *ota.Updater, engine *ha.Engine, timeout time.Duration) {
	if updater.State() != ota.StatePendingVerify {
		return
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			logger.Error("new image not verified within %v, rolling back", timeout)
			if err := updater.Rollback(); err != nil {
				logger.Error("rollback failed: %v", err)
			}
			return
		case <-ticker.C:
			if !engine.Connected() {
				continue
			}
			if err := updater.Confirm(); err != nil {
				logger.Error("failed to confirm image: %v", err)
				continue
			}
			return
		}
	}
}
