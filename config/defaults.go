package config

import (
	"strings"
	"time"
)

// Default values.
const (
	DefaultLogLevel           = "INFO"
	DefaultLogOutput          = "stderr"
	DefaultIP                 = "0.0.0.0"
	DefaultPort               = "8080"
	DefaultConnectionTimeout  = 10 * time.Second
	DefaultShutdownTimeout    = 5 * time.Second
	DefaultTimeoutGranularity = 10 * time.Millisecond
	DefaultEasyThreads        = 1
	DefaultStatsIP            = "127.0.0.1"
	DefaultStatsPort          = "8081"
	DefaultStatsWindow        = 4 * time.Second
	DefaultReadHeaders        = 8 << 10
	DefaultWriteHeaders       = 4 << 10
	DefaultWriteBody          = 32 << 10
)

// Default returns a complete configuration serving the example plugin.
func Default() *Config {
	cfg := &Config{
		Plugin: PluginConfig{Name: "example"},
		Stats:  StatsConfig{Enabled: true},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields with defaults and normalizes the log level.
// Explicit values are kept.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyPluginDefaults(&cfg.Plugin)
	applyStatsDefaults(&cfg.Stats)
	applyBuffersDefaults(&cfg.Buffers)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = DefaultLogLevel
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Output == "" {
		cfg.Output = DefaultLogOutput
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.IP == "" {
		cfg.IP = DefaultIP
	}
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.TimeoutGranularity == 0 {
		cfg.TimeoutGranularity = DefaultTimeoutGranularity
	}
}

func applyPluginDefaults(cfg *PluginConfig) {
	if cfg.EasyThreads == 0 {
		cfg.EasyThreads = DefaultEasyThreads
	}
}

func applyStatsDefaults(cfg *StatsConfig) {
	if cfg.IP == "" {
		cfg.IP = DefaultStatsIP
	}
	if cfg.Port == "" {
		cfg.Port = DefaultStatsPort
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultStatsWindow
	}
}

func applyBuffersDefaults(cfg *BuffersConfig) {
	if cfg.ReadHeaders == 0 {
		cfg.ReadHeaders = DefaultReadHeaders
	}
	if cfg.WriteHeaders == 0 {
		cfg.WriteHeaders = DefaultWriteHeaders
	}
	if cfg.WriteBody == 0 {
		cfg.WriteBody = DefaultWriteBody
	}
}
