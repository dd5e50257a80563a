// Package config loads daemon settings from a YAML file, AUTOTASK_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "AUTOTASK"

// Config is the full daemon configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Content  ContentConfig  `mapstructure:"content"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	History  HistoryConfig  `mapstructure:"history"`
	Alert    AlertConfig    `mapstructure:"alert"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig configures the event bus. An empty URL selects the log-only sink.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Stream         string        `mapstructure:"stream"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectRetries int           `mapstructure:"connect_retries"`
}

// ContentConfig points at the book-source web service. An empty BaseURL
// disables refresh actions.
type ContentConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ScheduleConfig struct {
	// Enabled is the master schedule flag
	Enabled  bool   `mapstructure:"enabled"`
	Timezone string `mapstructure:"timezone"`
	Sweep    string `mapstructure:"sweep"`
}

type HistoryConfig struct {
	Retention time.Duration `mapstructure:"retention"`
	Prune     string        `mapstructure:"prune"`
}

// AlertConfig controls failure alerts. A threshold of 0 disables them.
type AlertConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
}

// Location resolves Schedule.Timezone, defaulting to the local zone
func (c *Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule.timezone: %w", err)
	}
	return loc, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "autotaskd")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("storage.path", "autotask.db")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "AUTOTASK")
	v.SetDefault("nats.subject_prefix", "autotask")
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("content.base_url", "")
	v.SetDefault("content.timeout", 30*time.Second)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.timezone", "")
	v.SetDefault("schedule.sweep", "@every 5m")
	v.SetDefault("history.retention", 30*24*time.Hour)
	v.SetDefault("history.prune", "@daily")
	v.SetDefault("alert.failure_threshold", 3)
}

// RegisterFlags adds the flags Loader binds into the configuration
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to the config file")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("db", "", "path to the SQLite database")
	fs.String("nats-url", "", "NATS server URL; empty logs deliveries instead")
	fs.String("content-url", "", "base URL of the book-source web service")
}

var flagKeys = map[string]string{
	"log-level":   "log.level",
	"db":          "storage.path",
	"nats-url":    "nats.url",
	"content-url": "content.base_url",
}

// Loader reads and watches the configuration
type Loader struct {
	logger *zap.Logger
	v      *viper.Viper

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader. flags may be nil.
func NewLoader(flags *pflag.FlagSet, logger *zap.Logger) (*Loader, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
		}
	}

	return &Loader{logger: logger.Named("config"), v: v}, nil
}

// Load reads the config file, if any, and decodes the configuration. Without
// an explicit file, ./config.yaml and ./config/config.yaml are tried and
// their absence is not an error.
func (l *Loader) Load() (*Config, error) {
	explicit := l.v.ConfigFileUsed() != ""
	if !explicit {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./config")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		l.logger.Info("No config file found, using defaults")
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls onChange with the new configuration whenever the config file
// changes. Invalid edits are logged and skipped.
func (l *Loader) Watch(onChange func(old, updated *Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			l.logger.Error("Ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}

		l.mu.Lock()
		old := l.current
		l.current = cfg
		l.mu.Unlock()

		l.logger.Info("Config reloaded", zap.String("file", e.Name))
		onChange(old, cfg)
	})
	l.v.WatchConfig()
}

// FileUsed returns the config file path, empty when running on defaults
func (l *Loader) FileUsed() string {
	return l.v.ConfigFileUsed()
}
