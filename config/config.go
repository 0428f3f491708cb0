// Package config loads the service configuration from defaults, an optional
// file, ALERTFLOW_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/songzhibin97/alertflow/types"
)

// EnvPrefix is prepended to every environment variable, e.g.
// ALERTFLOW_STORAGE_TYPE.
const EnvPrefix = "ALERTFLOW"

// StorageType selects the Persistent Store backend.
type StorageType string

const (
	StorageMemory   StorageType = "memory"
	StorageRedis    StorageType = "redis"
	StoragePostgres StorageType = "postgres"
)

type Config struct {
	HTTPAddr   string           `mapstructure:"http_addr"`
	LogLevel   string           `mapstructure:"log_level"`
	LogFormat  string           `mapstructure:"log_format"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Executions ExecutionsConfig `mapstructure:"executions"`

	// Notifications seeds the dispatcher until a configuration has been
	// stored through the API.
	Notifications types.NotificationConfig `mapstructure:"notifications"`
}

type StorageConfig struct {
	Type     StorageType    `mapstructure:"type"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

type NotifyConfig struct {
	ChannelTimeout time.Duration `mapstructure:"channel_timeout"`
	HistoryCap     int           `mapstructure:"history_cap"`
	HistoryTTL     time.Duration `mapstructure:"history_ttl"`
}

type ExecutionsConfig struct {
	HistoryCap  int `mapstructure:"history_cap"`
	LogCapacity int `mapstructure:"log_capacity"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("storage.type", string(StorageMemory))
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.namespace", "alertflow")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", "alertflow_kv")
	v.SetDefault("notify.channel_timeout", 10*time.Second)
	v.SetDefault("notify.history_cap", 1000)
	v.SetDefault("notify.history_ttl", 7*24*time.Hour)
	v.SetDefault("executions.history_cap", 500)
	v.SetDefault("executions.log_capacity", 1000)
	v.SetDefault("notifications.enabled", true)
}

// New returns a viper instance with defaults set and environment lookup
// enabled.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (when not empty) into v and decodes the result. A missing
// file is not an error.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config %s: %w", file, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the decoded values.
func (c Config) Validate() error {
	switch c.Storage.Type {
	case StorageMemory:
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("storage.redis.addr is required for redis storage")
		}
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Notify.ChannelTimeout <= 0 {
		return errors.New("notify.channel_timeout must be positive")
	}
	return nil
}
