// Package config loads the blizzard configuration from a YAML file and
// BLIZZARD_* environment variables.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. BLIZZARD_SERVER_PORT.
const EnvPrefix = "BLIZZARD"

// Config is the complete server configuration.
//
// Sources, highest precedence first:
//  1. Environment variables (BLIZZARD_*)
//  2. Configuration file
//  3. Defaults
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Plugin  PluginConfig  `mapstructure:"plugin" yaml:"plugin"`
	Stats   StatsConfig   `mapstructure:"stats" yaml:"stats"`
	Buffers BuffersConfig `mapstructure:"buffers" yaml:"buffers"`
	Runtime RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output is stdout, stderr or a file path. A file is reopened on SIGHUP
	// and when it is renamed or removed.
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig describes the client listener.
type ServerConfig struct {
	IP   string `mapstructure:"ip" yaml:"ip"`
	Port string `mapstructure:"port" yaml:"port" validate:"required,numeric"`

	// ConnectionTimeout closes connections idle for longer.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout" validate:"gt=0"`

	// ShutdownTimeout bounds the orderly shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`

	// TimeoutGranularity is the bucket width of the idle connection index.
	TimeoutGranularity time.Duration `mapstructure:"timeout_granularity" yaml:"timeout_granularity" validate:"gt=0"`

	// MaxBodySize rejects larger request bodies with 413. 0 means the
	// built-in ceiling of 1 GiB, which also caps larger values.
	MaxBodySize ByteSize `mapstructure:"max_body_size" yaml:"max_body_size"`
}

// PluginConfig selects the request handler and sizes its worker tiers.
type PluginConfig struct {
	// Name selects a compiled-in plugin.
	Name string `mapstructure:"name" yaml:"name" validate:"required_without=Library"`

	// Library is the path of a Go plugin exporting NewPlugin.
	Library string `mapstructure:"library" yaml:"library,omitempty"`

	// Params is passed verbatim to Load.
	Params string `mapstructure:"params" yaml:"params"`

	EasyThreads    int `mapstructure:"easy_threads" yaml:"easy_threads" validate:"min=1"`
	HardThreads    int `mapstructure:"hard_threads" yaml:"hard_threads" validate:"min=0"`
	EasyQueueLimit int `mapstructure:"easy_queue_limit" yaml:"easy_queue_limit" validate:"min=0"`
	HardQueueLimit int `mapstructure:"hard_queue_limit" yaml:"hard_queue_limit" validate:"min=0"`

	// IdleTimeout is the period of the Idle heartbeat. 0 calls Idle once.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"min=0"`
}

// StatsConfig describes the status listener.
type StatsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	IP      string `mapstructure:"ip" yaml:"ip"`
	Port    string `mapstructure:"port" yaml:"port" validate:"omitempty,numeric"`

	// Window is the averaging interval of rates and extremes.
	Window time.Duration `mapstructure:"window" yaml:"window" validate:"gt=0"`

	// Prometheus adds Go runtime and process metrics to /metrics.
	Prometheus bool `mapstructure:"prometheus" yaml:"prometheus"`
}

// BuffersConfig sizes the per-connection buffers.
type BuffersConfig struct {
	ReadHeaders  ByteSize `mapstructure:"read_headers" yaml:"read_headers"`
	WriteHeaders ByteSize `mapstructure:"write_headers" yaml:"write_headers"`
	WriteBody    ByteSize `mapstructure:"write_body" yaml:"write_body"`
}

// RuntimeConfig tunes the Go garbage collector.
type RuntimeConfig struct {
	// GCPercent is passed to debug.SetGCPercent when non-zero.
	GCPercent int `mapstructure:"gc_percent" yaml:"gc_percent"`

	// MemoryLimit is passed to debug.SetMemoryLimit when non-zero.
	MemoryLimit ByteSize `mapstructure:"memory_limit" yaml:"memory_limit"`
}

// Load reads path (when not empty), applies the environment, fills defaults
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys(reflect.TypeOf(Config{}), "") {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		byteSizeHook(),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// keys lists the dotted mapstructure keys of every leaf field of t.
func keys(t reflect.Type, prefix string) []string {
	var out []string
	for i := range t.NumField() {
		f := t.Field(i)
		name := f.Tag.Get("mapstructure")
		if name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Duration(0)) {
			out = append(out, keys(f.Type, name)...)
			continue
		}
		out = append(out, name)
	}
	return out
}
