package server

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/NicolasHaas/rally/pkg/model"
	"github.com/NicolasHaas/rally/pkg/presence"
	"github.com/NicolasHaas/rally/pkg/sweep"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Presence sources.
const (
	PresenceFromStore = "store"
	PresenceFromRedis = "redis"
)

// RedisConfig configures the Redis presence source.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Retention time.Duration `mapstructure:"retention"`
}

// NATSConfig configures transition publishing. An empty URL disables it.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// TLSConfig configures HTTPS. With Auto set and no files present a
// self-signed pair is generated in DataDir.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	Auto     bool   `mapstructure:"auto"`
}

// Enabled reports whether the HTTP listener serves TLS.
func (t TLSConfig) Enabled() bool {
	return t.Auto || (t.CertFile != "" && t.KeyFile != "")
}

// Config holds server configuration.
type Config struct {
	HTTPAddr       string        `mapstructure:"http_addr"`
	DataDir        string        `mapstructure:"data_dir"`
	Store          string        `mapstructure:"store"`
	DBPath         string        `mapstructure:"db_path"`
	PresenceSource string        `mapstructure:"presence_source"`
	PresenceWindow time.Duration `mapstructure:"presence_window"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	ExclusiveJoins bool          `mapstructure:"exclusive_joins"`
	SeedFile       string        `mapstructure:"seed_file"`

	// MetricsInterval is the period of the metrics log line (0 = disabled).
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	Debug           bool          `mapstructure:"debug"`

	Redis RedisConfig `mapstructure:"redis"`
	NATS  NATSConfig  `mapstructure:"nats"`
	TLS   TLSConfig   `mapstructure:"tls"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        ":8600",
		DataDir:         ".",
		Store:           StoreSQLite,
		DBPath:          "rally.db",
		PresenceSource:  PresenceFromStore,
		PresenceWindow:  presence.Window,
		SweepInterval:   sweep.DefaultInterval,
		QueueCapacity:   model.DefaultQueueCapacity,
		MetricsInterval: 60 * time.Second,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: presence.DefaultKeyPrefix,
			Retention: presence.DefaultRetention,
		},
		NATS: NATSConfig{SubjectPrefix: "rally"},
	}
}

// LoadConfig reads defaults, the optional YAML file at path and RALLY_*
// environment overrides (RALLY_REDIS_ADDR for redis.addr).
func LoadConfig(path string) (Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("rally")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_addr", def.HTTPAddr)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("store", def.Store)
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("presence_source", def.PresenceSource)
	v.SetDefault("presence_window", def.PresenceWindow)
	v.SetDefault("sweep_interval", def.SweepInterval)
	v.SetDefault("queue_capacity", def.QueueCapacity)
	v.SetDefault("exclusive_joins", def.ExclusiveJoins)
	v.SetDefault("seed_file", def.SeedFile)
	v.SetDefault("metrics_interval", def.MetricsInterval)
	v.SetDefault("debug", def.Debug)
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.password", def.Redis.Password)
	v.SetDefault("redis.db", def.Redis.DB)
	v.SetDefault("redis.key_prefix", def.Redis.KeyPrefix)
	v.SetDefault("redis.retention", def.Redis.Retention)
	v.SetDefault("nats.url", def.NATS.URL)
	v.SetDefault("nats.subject_prefix", def.NATS.SubjectPrefix)
	v.SetDefault("tls.cert_file", def.TLS.CertFile)
	v.SetDefault("tls.key_file", def.TLS.KeyFile)
	v.SetDefault("tls.auto", def.TLS.Auto)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("server: read config %s: %w", path, err)
		}
		slog.Info("loaded config", "file", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("server: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("db_path must be set for the sqlite store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q (valid: %s, %s)", c.Store, StoreSQLite, StoreMemory))
	}
	switch c.PresenceSource {
	case PresenceFromStore:
	case PresenceFromRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr must be set for the redis presence source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown presence_source %q (valid: %s, %s)", c.PresenceSource, PresenceFromStore, PresenceFromRedis))
	}
	if c.PresenceWindow <= 0 {
		errs = append(errs, errors.New("presence_window must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, errors.New("queue_capacity must be positive"))
	}
	if c.TLS.CertFile != "" && c.TLS.KeyFile == "" || c.TLS.CertFile == "" && c.TLS.KeyFile != "" {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("server: invalid config: %w", err)
	}
	return nil
}
