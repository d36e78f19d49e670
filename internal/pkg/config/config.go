package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-arcade/pipesim/internal/pkg/observer"
	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"github.com/go-arcade/pipesim/pkg/broker"
	"github.com/go-arcade/pipesim/pkg/cache"
	"github.com/go-arcade/pipesim/pkg/database"
	"github.com/go-arcade/pipesim/pkg/log"
	"github.com/go-arcade/pipesim/pkg/metrics"
	"github.com/go-arcade/pipesim/pkg/retry"
	"github.com/go-arcade/pipesim/pkg/trace"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const envPrefix = "PIPESIM"

// BackoffConfig selects the delay between attempts of a stage.
type BackoffConfig struct {
	// Strategy is fixed, linear or exponential
	Strategy string        `mapstructure:"strategy"`
	Delay    time.Duration `mapstructure:"delay"`
	Max      time.Duration `mapstructure:"max"`
	// Jitter draws each delay uniformly from [0, delay)
	Jitter bool `mapstructure:"jitter"`
}

type EngineConfig struct {
	MaxConcurrency    int           `mapstructure:"maxConcurrency"`
	DefaultMaxRetries int           `mapstructure:"defaultMaxRetries"`
	DefaultTimeout    time.Duration `mapstructure:"defaultTimeout"`
	HealOnRollback    bool          `mapstructure:"healOnRollback"`
	Backoff           BackoffConfig `mapstructure:"backoff"`
	// Seed makes simulated failure rates reproducible; zero picks a random seed
	Seed uint64 `mapstructure:"seed"`
}

type ArchiveConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Database database.Database `mapstructure:"database"`
}

type RedisEventsConfig struct {
	Enabled bool                  `mapstructure:"enabled"`
	Redis   cache.Redis           `mapstructure:"redis"`
	Stream  observer.StreamConfig `mapstructure:"stream"`
	// TraceCommands opens a span per redis command
	TraceCommands bool `mapstructure:"traceCommands"`
}

type RabbitMQEventsConfig struct {
	Enabled       bool                  `mapstructure:"enabled"`
	RabbitMQ      broker.RabbitMQConfig `mapstructure:"rabbitmq"`
	RoutingPrefix string                `mapstructure:"routingPrefix"`
}

type StatsdConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// EventsConfig lists the external event sinks.
type EventsConfig struct {
	Log      bool                 `mapstructure:"log"`
	Redis    RedisEventsConfig    `mapstructure:"redis"`
	RabbitMQ RabbitMQEventsConfig `mapstructure:"rabbitmq"`
	Statsd   StatsdConfig         `mapstructure:"statsd"`
}

type AppConfig struct {
	Log     log.Conf       `mapstructure:"log"`
	Engine  EngineConfig   `mapstructure:"engine"`
	Metrics metrics.Config `mapstructure:"metrics"`
	Trace   trace.Conf     `mapstructure:"trace"`
	Archive ArchiveConfig  `mapstructure:"archive"`
	Events  EventsConfig   `mapstructure:"events"`
}

func setDefaults(v *viper.Viper) {
	d := log.SetDefaults()
	v.SetDefault("log.output", d.Output)
	v.SetDefault("log.path", d.Path)
	v.SetDefault("log.filename", d.Filename)
	v.SetDefault("log.level", d.Level)
	v.SetDefault("log.keepDays", d.KeepDays)
	v.SetDefault("log.rotateSize", d.RotateSize)
	v.SetDefault("log.rotateNum", d.RotateNum)

	v.SetDefault("engine.maxConcurrency", 0)
	v.SetDefault("engine.defaultMaxRetries", 0)
	v.SetDefault("engine.backoff.strategy", "fixed")

	v.SetDefault("metrics.host", "0.0.0.0")
	v.SetDefault("metrics.port", 9464)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.pprof", false)

	v.SetDefault("archive.database.maxOpenConns", 10)
	v.SetDefault("archive.database.maxIdleConns", 5)

	v.SetDefault("events.log", true)
	v.SetDefault("events.redis.redis.mode", cache.ModeSingle)
	v.SetDefault("events.redis.redis.address", "127.0.0.1:6379")
	v.SetDefault("events.redis.stream.stream", "pipesim:events")
	v.SetDefault("events.redis.stream.maxLen", 10000)
	v.SetDefault("events.rabbitmq.rabbitmq.exchange", "pipesim.events")
	v.SetDefault("events.rabbitmq.routingPrefix", "pipesim")
	v.SetDefault("events.statsd.address", "127.0.0.1:8125")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (AppConfig, error) {
	var cfg AppConfig
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return cfg, fmt.Errorf("failed to unmarshal configuration file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() AppConfig {
	cfg, err := unmarshal(newViper())
	if err != nil {
		panic(fmt.Sprintf("invalid default configuration: %s", err))
	}
	return cfg
}

// LoadConfigFile loads the config file at path; an empty path yields the
// defaults. Environment variables such as PIPESIM_ENGINE_MAXCONCURRENCY
// override file values.
func LoadConfigFile(path string) (AppConfig, error) {
	v := newViper()
	if path == "" {
		return unmarshal(v)
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return AppConfig{}, fmt.Errorf("failed to read configuration file: %w", err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return AppConfig{}, err
	}
	log.Infow("config file loaded",
		"path", path,
	)
	return cfg, nil
}

// Watch reloads the file at path whenever it changes and hands every valid
// configuration to onChange. Invalid edits are logged and skipped.
func Watch(path string, onChange func(AppConfig)) error {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			log.Warnw("ignored invalid configuration change", "path", e.Name, "error", err)
			return
		}
		log.Infow("configuration reloaded", "path", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// Validate checks cross-field constraints.
func (c *AppConfig) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if c.Engine.DefaultMaxRetries < 0 {
		return fmt.Errorf("engine.defaultMaxRetries must not be negative")
	}
	if c.Engine.DefaultTimeout < 0 {
		return fmt.Errorf("engine.defaultTimeout must not be negative")
	}
	if _, err := c.Engine.Backoff.build(); err != nil {
		return err
	}
	if c.Archive.Enabled {
		if err := c.Archive.Database.MySQL.Validate(); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}
	return nil
}

func (b BackoffConfig) build() (retry.Backoff, error) {
	switch strings.ToLower(b.Strategy) {
	case "", "fixed":
		return retry.Fixed(b.Delay), nil
	case "linear":
		return retry.Linear(b.Delay, b.Max), nil
	case "exponential":
		return retry.Exponential(b.Delay, b.Max), nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", b.Strategy)
	}
}

// Options translates the engine section into engine options.
func (c EngineConfig) Options() []pipeline.Option {
	backoff, err := c.Backoff.build()
	if err != nil {
		backoff = retry.Fixed(0)
	}
	jitter := retry.NoJitter
	if c.Backoff.Jitter {
		jitter = retry.FullJitter
	}
	return []pipeline.Option{
		pipeline.WithMaxConcurrency(c.MaxConcurrency),
		pipeline.WithDefaultMaxRetries(c.DefaultMaxRetries),
		pipeline.WithDefaultTimeout(c.DefaultTimeout),
		pipeline.WithRetryBackoff(backoff),
		pipeline.WithRetryJitter(jitter),
		pipeline.WithHealOnRollback(c.HealOnRollback),
	}
}
