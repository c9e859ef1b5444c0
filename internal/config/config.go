package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Hypervisor drivers accepted by the hypervisor key.
const (
	HypervisorVirsh = "virsh"
	HypervisorNone  = "none"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Gallery source; http(s), s3 or file URI
	GalleryURL      string        `mapstructure:"gallery-url"`
	GalleryCacheTTL time.Duration `mapstructure:"gallery-cache-ttl"`

	// Working directories
	TempDir string `mapstructure:"temp-dir"`
	DiskDir string `mapstructure:"disk-dir"`
	VMDir   string `mapstructure:"vm-dir"`

	// S3 configuration
	S3Region   string `mapstructure:"s3-region"`
	S3Endpoint string `mapstructure:"s3-endpoint"`

	// Security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// Retry budgets
	FSMMaxRetries   int    `mapstructure:"fsm-max-retries"`
	DownloadRetries uint64 `mapstructure:"download-retries"`

	ProgressInterval time.Duration `mapstructure:"progress-interval"`
	Locale           string        `mapstructure:"locale"`

	// Hypervisor driver: virsh or none
	Hypervisor string `mapstructure:"hypervisor"`
	LibvirtURI string `mapstructure:"libvirt-uri"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("sqlite-path", ".artifacts/envhost.db")
	v.SetDefault("fsm-db-path", ".artifacts/fsm")
	v.SetDefault("gallery-url", "https://go.microsoft.com/fwlink/?linkid=851584")
	v.SetDefault("gallery-cache-ttl", 10*time.Minute)
	v.SetDefault("temp-dir", ".artifacts/downloads")
	v.SetDefault("disk-dir", ".artifacts/disks")
	v.SetDefault("vm-dir", ".artifacts/vms")
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("s3-endpoint", "")
	v.SetDefault("max-file-size", int64(256*1024*1024*1024))
	v.SetDefault("max-total-size", int64(256*1024*1024*1024))
	v.SetDefault("max-compression-ratio", 1000.0)
	v.SetDefault("fsm-max-retries", 5)
	v.SetDefault("download-retries", 3)
	v.SetDefault("progress-interval", 250*time.Millisecond)
	v.SetDefault("locale", "en")
	v.SetDefault("hypervisor", HypervisorVirsh)
	v.SetDefault("libvirt-uri", "qemu:///session")
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load against a specific viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (will be ENVHOST_SQLITE_PATH, etc.)
	v.SetEnvPrefix("ENVHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.envhost")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.GalleryURL == "" {
		return fmt.Errorf("gallery-url cannot be empty")
	}
	if c.GalleryCacheTTL < 0 {
		return fmt.Errorf("gallery-cache-ttl must be non-negative")
	}
	if c.TempDir == "" || c.DiskDir == "" || c.VMDir == "" {
		return fmt.Errorf("temp-dir, disk-dir and vm-dir cannot be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if c.ProgressInterval <= 0 {
		return fmt.Errorf("progress-interval must be positive")
	}
	switch c.Hypervisor {
	case HypervisorVirsh, HypervisorNone:
	default:
		return fmt.Errorf("hypervisor must be %q or %q, got %q", HypervisorVirsh, HypervisorNone, c.Hypervisor)
	}
	return nil
}
