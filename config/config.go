package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/ha-agent/logger"
	"github.com/eddielth/ha-agent/validator"
)

// Config 表示应用程序的配置
type Config struct {
	Device     DeviceConfig            `mapstructure:"device"`
	MQTT       MQTTConfig              `mapstructure:"mqtt"`
	Update     UpdateConfig            `mapstructure:"update"`
	Logger     LoggerConfig            `mapstructure:"logger"`
	Storage    StorageConfig           `mapstructure:"storage"`
	Sensors    map[string]ScriptSensor `mapstructure:"sensors"`
	SubDevices []SubDeviceConfig       `mapstructure:"subdevices"`
}

// DeviceConfig 表示设备身份配置
type DeviceConfig struct {
	Manufacturer     string `mapstructure:"manufacturer"`
	Model            string `mapstructure:"model"`
	HardwareRevision string `mapstructure:"hardware_revision"`
	FirmwareTag      string `mapstructure:"firmware_tag"`
	// DataDir holds the persisted records (identity, partition, last config)
	DataDir string `mapstructure:"data_dir"`
}

// MQTTConfig 表示MQTT连接的配置
type MQTTConfig struct {
	Broker          string        `mapstructure:"broker"`
	ClientID        string        `mapstructure:"client_id"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	RootTopic       string        `mapstructure:"root_topic"`
	KeepAlive       time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	StateInterval   time.Duration `mapstructure:"state_interval"`
	BuiltinInterval time.Duration `mapstructure:"builtin_interval"`
	ExpireAfter     int           `mapstructure:"expire_after"`
}

// UpdateConfig 表示固件升级配置
type UpdateConfig struct {
	PartitionDir string        `mapstructure:"partition_dir"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// VerifyTimeout is how long a pending image may stay unconfirmed before rollback
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
}

// LoggerConfig 表示日志配置
type LoggerConfig struct {
	Level        string `mapstructure:"level"`
	FilePath     string `mapstructure:"file_path"`
	MaxSize      int    `mapstructure:"max_size"`
	MaxBackups   int    `mapstructure:"max_backups"`
	Console      bool   `mapstructure:"console"`
	ShipBuffer   int    `mapstructure:"ship_buffer"`
	ShipInterval int    `mapstructure:"ship_interval"`
}

// ScriptSensor 表示脚本传感器的配置
type ScriptSensor struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
	// Interval is the minimum refresh interval in seconds
	Interval int `mapstructure:"interval"`
	// SubDevice attaches the sensor to a sub-device instead of the root device
	SubDevice string `mapstructure:"subdevice"`
}

// SubDeviceConfig 表示子设备配置
type SubDeviceConfig struct {
	ID              string `mapstructure:"id"`
	Name            string `mapstructure:"name"`
	Model           string `mapstructure:"model"`
	HardwareVersion string `mapstructure:"hardware_version"`
	SoftwareTag     string `mapstructure:"software_tag"`
	Hash            string `mapstructure:"hash"`
}

// StorageConfig 表示存储配置
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
	InfluxDB InfluxDBConfig        `mapstructure:"influxdb"`
}

// FileStorageConfig 表示文件存储配置
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseStorageConfig 表示数据库存储配置
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
}

// InfluxDBConfig 表示InfluxDB存储配置
type InfluxDBConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	Org           string `mapstructure:"org"`
	Bucket        string `mapstructure:"bucket"`
	BatchSize     int    `mapstructure:"batch_size"`
	FlushInterval int    `mapstructure:"flush_interval"`
}

// ConfigChangeCallback 是配置文件变更时的回调函数类型
type ConfigChangeCallback func(cfg *Config) error

// setDefaults 设置所有配置项的默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("device.data_dir", "data")
	v.SetDefault("device.firmware_tag", "dev")

	v.SetDefault("mqtt.root_topic", "huzza32")
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.state_interval", time.Second)
	v.SetDefault("mqtt.builtin_interval", 10*time.Second)
	v.SetDefault("mqtt.expire_after", 30)

	v.SetDefault("update.partition_dir", "data/partition")
	v.SetDefault("update.timeout", 5*time.Minute)
	v.SetDefault("update.verify_timeout", 2*time.Minute)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.file_path", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)
	v.SetDefault("logger.ship_buffer", logger.DefaultShipCapacity)
	v.SetDefault("logger.ship_interval", int(logger.DefaultShipInterval/time.Second))

	v.SetDefault("storage.file.path", "data/states")
	v.SetDefault("storage.influxdb.batch_size", 100)
	v.SetDefault("storage.influxdb.flush_interval", 10)
}

var (
	mqttRanges = []validator.Validator{
		&validator.RangeValidator{Field: "ExpireAfter", Min: 1, Max: 86400},
		&validator.RangeValidator{Field: "StateInterval", Min: float64(100 * time.Millisecond), Max: float64(time.Hour)},
		&validator.RangeValidator{Field: "BuiltinInterval", Min: float64(time.Second), Max: float64(24 * time.Hour)},
	}
	loggerRanges = []validator.Validator{
		&validator.RangeValidator{Field: "ShipBuffer", Min: 256, Max: 1 << 20},
		&validator.RangeValidator{Field: "ShipInterval", Min: 1, Max: 3600},
	}
	updateRanges = []validator.Validator{
		&validator.RangeValidator{Field: "Timeout", Min: float64(time.Second), Max: float64(time.Hour)},
	}
	deviceRequired = &validator.RequiredValidator{Fields: []string{"Manufacturer", "Model", "HardwareRevision", "DataDir"}}
)

// Validate 校验配置的必填项和数值范围
func (c *Config) Validate() error {
	if err := deviceRequired.Validate(&c.Device); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	if c.MQTT.Broker == "" {
		return errors.New("mqtt: broker address cannot be empty")
	}
	if err := validator.All(&c.MQTT, mqttRanges...); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if err := validator.All(&c.Logger, loggerRanges...); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := validator.All(&c.Update, updateRanges...); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	for name, s := range c.Sensors {
		if s.ScriptCode == "" && s.ScriptPath == "" {
			return fmt.Errorf("sensor %s: script_code or script_path is required", name)
		}
	}
	for i, sd := range c.SubDevices {
		if sd.ID == "" {
			return fmt.Errorf("subdevices[%d]: id is required", i)
		}
	}
	if c.Storage.Database.Enabled && c.Storage.Database.DSN == "" {
		return errors.New("storage.database: dsn is required when enabled")
	}
	return nil
}

// ShipIntervalDuration returns the log flush interval
func (c LoggerConfig) ShipIntervalDuration() time.Duration {
	return time.Duration(c.ShipInterval) * time.Second
}

// LoadConfig 从指定路径加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	return decode(viper.GetViper())
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// WatchConfig 监听配置文件变化并调用回调函数
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	// 获取配置文件的绝对路径
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	// 设置Viper监听配置文件变化
	viper.SetConfigFile(absPath)
	viper.WatchConfig()

	// 防抖动处理，避免短时间内多次触发
	var (
		mu               sync.Mutex
		lastChangeTime   time.Time
		debounceInterval = 2 * time.Second
	)

	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&fsnotify.Write != fsnotify.Write {
			return
		}

		mu.Lock()
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			mu.Unlock()
			return
		}
		lastChangeTime = now
		mu.Unlock()

		logger.Info("config file changed: %s", e.Name)

		// 重新加载配置
		newConfig, err := decode(viper.GetViper())
		if err != nil {
			logger.Error("failed to parse updated config: %v", err)
			return
		}

		// 调用回调函数处理新配置
		if err := callback(newConfig); err != nil {
			logger.Error("failed to apply new config: %v", err)
			return
		}

		logger.Info("config updated and applied")
	})

	return nil
}
