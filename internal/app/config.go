package app

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/spf13/viper"

	"github.com/bnema/dockyard/internal/adapters/in/http/middleware"
	"github.com/bnema/dockyard/internal/adapters/out/telemetry"
	"github.com/bnema/dockyard/pkg/bytesize"
)

// EnvPrefix prefixes environment overrides, e.g. DOCKYARD_SERVER_ADDR.
const EnvPrefix = "DOCKYARD"

// Config holds the application configuration.
type Config struct {
	Server struct {
		Addr    string `mapstructure:"addr"`
		DataDir string `mapstructure:"data_dir"`
	} `mapstructure:"server"`

	Registry struct {
		UploadTTL       time.Duration `mapstructure:"upload_ttl"`
		ReapInterval    time.Duration `mapstructure:"reap_interval"`
		MaxChunkSize    string        `mapstructure:"max_chunk_size"`    // e.g. "1GB"
		MaxManifestSize string        `mapstructure:"max_manifest_size"` // e.g. "4MB"
		BlobCacheSize   int           `mapstructure:"blob_cache_size"`
	} `mapstructure:"registry"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   struct {
			Enabled    bool   `mapstructure:"enabled"`
			Path       string `mapstructure:"path"`
			MaxSize    int    `mapstructure:"max_size"`
			MaxBackups int    `mapstructure:"max_backups"`
			MaxAge     int    `mapstructure:"max_age"`
		} `mapstructure:"file"`
	} `mapstructure:"logging"`

	API struct {
		RateLimit struct {
			Enabled        bool     `mapstructure:"enabled"`
			GlobalRPS      float64  `mapstructure:"global_rps"`
			PerIPRPS       float64  `mapstructure:"per_ip_rps"`
			Burst          int      `mapstructure:"burst"`
			TrustedProxies []string `mapstructure:"trusted_proxies"`
		} `mapstructure:"rate_limit"`
		AllowedCIDRs []string `mapstructure:"allowed_cidrs"`
	} `mapstructure:"api"`

	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// registryLimits holds the parsed size limits.
type registryLimits struct {
	maxChunkSize    int64
	maxManifestSize int64
}

// initConfig loads configuration from file and environment.
func initConfig(configPath string) (*viper.Viper, Config, error) {
	v := viper.New()
	if err := loadConfig(v, configPath); err != nil {
		return nil, Config{}, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = DefaultDataDir()
	}

	return v, cfg, nil
}

// loadConfig sets defaults, reads the config file if one exists and enables
// environment overrides.
func loadConfig(v *viper.Viper, configPath string) error {
	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.data_dir", DefaultDataDir())
	v.SetDefault("registry.upload_ttl", "24h")
	v.SetDefault("registry.reap_interval", "10m")
	v.SetDefault("registry.max_chunk_size", "1GB")
	v.SetDefault("registry.max_manifest_size", "4MB")
	v.SetDefault("registry.blob_cache_size", 4096)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file.enabled", false)
	v.SetDefault("logging.file.max_size", 100)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age", 28)
	v.SetDefault("api.rate_limit.enabled", true)
	v.SetDefault("api.rate_limit.global_rps", 500)
	v.SetDefault("api.rate_limit.per_ip_rps", 50)
	v.SetDefault("api.rate_limit.burst", 100)
	v.SetDefault("api.rate_limit.trusted_proxies", []string{})
	v.SetDefault("api.allowed_cidrs", []string{})
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.auth_token", "")
	v.SetDefault("telemetry.interval", "0s")

	ConfigureViper(v, configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return nil
}

// validate checks values viper cannot check on its own.
func (cfg Config) validate() (registryLimits, error) {
	var limits registryLimits

	if cfg.Server.Addr == "" {
		return limits, errors.New("server.addr must not be empty")
	}
	if cfg.Registry.ReapInterval <= 0 {
		return limits, fmt.Errorf("registry.reap_interval must be positive, got %s", cfg.Registry.ReapInterval)
	}

	var err error
	if limits.maxChunkSize, err = bytesize.Parse(cfg.Registry.MaxChunkSize); err != nil {
		return limits, fmt.Errorf("invalid registry.max_chunk_size: %w", err)
	}
	if limits.maxManifestSize, err = bytesize.Parse(cfg.Registry.MaxManifestSize); err != nil {
		return limits, fmt.Errorf("invalid registry.max_manifest_size: %w", err)
	}

	if cfg.API.RateLimit.Enabled {
		if cfg.API.RateLimit.GlobalRPS < 0 || cfg.API.RateLimit.PerIPRPS < 0 {
			return limits, errors.New("api.rate_limit rates must not be negative")
		}
		if cfg.API.RateLimit.Burst <= 0 {
			return limits, errors.New("api.rate_limit.burst must be positive")
		}
	}

	for _, cidr := range cfg.API.AllowedCIDRs {
		if len(middleware.ParseTrustedProxies([]string{cidr})) == 0 {
			return limits, fmt.Errorf("invalid api.allowed_cidrs entry %q", cidr)
		}
	}

	return limits, nil
}

// trustedProxies returns the parsed trusted proxy prefixes.
func (cfg Config) trustedProxies() []netip.Prefix {
	return middleware.ParseTrustedProxies(cfg.API.RateLimit.TrustedProxies)
}

// registryDir is where blobs, manifests and upload staging live.
func (cfg Config) registryDir() string {
	return filepath.Join(cfg.Server.DataDir, "registry")
}

// initLogger initializes the zerowrap logger.
func initLogger(cfg Config) (zerowrap.Logger, func(), error) {
	logConfig := zerowrap.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}

	if cfg.Logging.File.Enabled {
		logPath := cfg.Logging.File.Path
		if logPath == "" {
			logPath = filepath.Join(cfg.Server.DataDir, "logs", "dockyard.log")
		}

		log, cleanup, err := zerowrap.NewWithFile(logConfig, zerowrap.FileConfig{
			Enabled:    true,
			Path:       logPath,
			MaxSize:    cfg.Logging.File.MaxSize,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAge:     cfg.Logging.File.MaxAge,
			Compress:   true,
		})
		if err != nil {
			return zerowrap.Default(), nil, fmt.Errorf("failed to create logger with file: %w", err)
		}
		return log, cleanup, nil
	}

	return zerowrap.New(logConfig), nil, nil
}
