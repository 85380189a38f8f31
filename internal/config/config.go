package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	deviceIDFile = ".elchi_ota_device_id"
)

// Restart modes understood by the apply stage.
const (
	RestartUnit   = "unit"
	RestartReboot = "reboot"
	RestartExit   = "exit"
)

//go:embed build.yaml
var buildConfig []byte

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Build    BuildConfig    `mapstructure:"build"`
	Network  NetworkConfig  `mapstructure:"network"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Apply    ApplyConfig    `mapstructure:"apply"`
	Report   ReportConfig   `mapstructure:"report"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the firmware server endpoint
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	VersionPath string `mapstructure:"version_path"`
	BinaryPath  string `mapstructure:"binary_path"`
}

// BuildConfig holds the version of the image this agent ships with
type BuildConfig struct {
	Version float64 `mapstructure:"version"`
}

// NetworkConfig holds the cellular attachment settings
type NetworkConfig struct {
	Interface string `mapstructure:"interface"`
	APN       string `mapstructure:"apn"`
}

// TimeoutConfig holds transport and transfer timeouts
type TimeoutConfig struct {
	Connect        time.Duration `mapstructure:"connect"`
	Response       time.Duration `mapstructure:"response"`
	BodyIdle       time.Duration `mapstructure:"body_idle"`
	Inactivity     time.Duration `mapstructure:"inactivity"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// StorageConfig holds the staging area layout
type StorageConfig struct {
	Root     string `mapstructure:"root"`
	Artifact string `mapstructure:"artifact"`
	Status   string `mapstructure:"status"`
}

// ApplyConfig holds the apply target and restart behaviour
type ApplyConfig struct {
	TargetPath string `mapstructure:"target_path"`
	Restart    string `mapstructure:"restart"`
	Unit       string `mapstructure:"unit"`
}

// ReportConfig holds the MQTT status reporting settings. An empty broker
// disables reporting.
type ReportConfig struct {
	Broker string `mapstructure:"broker"`
	Topic  string `mapstructure:"topic"`
}

// ScheduleConfig holds the daemon check schedule
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// LoadConfig loads the configuration baked into the binary.
func LoadConfig() (*Config, error) {
	return Parse(buildConfig)
}

// Parse reads a YAML document on top of the defaults. Configuration is
// fixed at build time: environment variables and flags are not consulted.
func Parse(data []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to read build configuration: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode build configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 80)

	v.SetDefault("network.interface", "wwan0")

	v.SetDefault("timeouts.connect", "30s")
	v.SetDefault("timeouts.response", "5s")
	v.SetDefault("timeouts.body_idle", "1s")
	v.SetDefault("timeouts.inactivity", "10s")
	v.SetDefault("timeouts.reconnect_delay", "10s")

	v.SetDefault("storage.root", "/var/lib/elchi-ota")
	v.SetDefault("storage.artifact", "/update.bin")
	v.SetDefault("storage.status", "/update.status.yaml")

	v.SetDefault("apply.restart", RestartUnit)

	v.SetDefault("report.topic", "elchi/ota/status")

	v.SetDefault("schedule.cron", "@every 30m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.max_size", 5)
	v.SetDefault("logging.max_age", 14)
	v.SetDefault("logging.max_backups", 3)
}

// Validate checks the values an update cycle depends on.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Host == "" {
		errs = append(errs, errors.New("server.host is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	for key, p := range map[string]string{
		"server.version_path": c.Server.VersionPath,
		"server.binary_path":  c.Server.BinaryPath,
		"storage.artifact":    c.Storage.Artifact,
		"storage.status":      c.Storage.Status,
	} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("%s must be an absolute path, got %q", key, p))
		}
	}
	for key, d := range map[string]time.Duration{
		"timeouts.connect":         c.Timeouts.Connect,
		"timeouts.response":        c.Timeouts.Response,
		"timeouts.body_idle":       c.Timeouts.BodyIdle,
		"timeouts.inactivity":      c.Timeouts.Inactivity,
		"timeouts.reconnect_delay": c.Timeouts.ReconnectDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	switch c.Apply.Restart {
	case RestartUnit:
		if c.Apply.Unit == "" {
			errs = append(errs, errors.New("apply.unit is required for unit restarts"))
		}
	case RestartReboot, RestartExit:
	default:
		errs = append(errs, fmt.Errorf("unknown apply.restart mode %q", c.Apply.Restart))
	}
	if c.Apply.TargetPath == "" {
		errs = append(errs, errors.New("apply.target_path is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid build configuration: %w", errors.Join(errs...))
	}
	return nil
}

// InitLogger initializes the logger with the provided configuration
func InitLogger(cfg *LoggingConfig) error {
	return logger.Init(logger.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Module:     "main",
		FilePath:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
}

// GetStoredDeviceID reads the device ID from dir, creating one on first use.
func GetStoredDeviceID(dir string) (string, error) {
	idPath := filepath.Join(dir, deviceIDFile)
	if id, err := os.ReadFile(idPath); err == nil {
		return strings.TrimSpace(string(id)), nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %v", dir, err)
	}

	newID := uuid.New().String()
	if err := os.WriteFile(idPath, []byte(newID), 0600); err != nil {
		return "", fmt.Errorf("failed to save device ID: %v", err)
	}

	return newID, nil
}
