// Package config holds the injector configuration and the hook settings
// shared with the in-target runtime.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/thfabian/bifrost/internal/logging"
)

// SharedMemoryConfig controls the arena backing injector and target.
type SharedMemoryConfig struct {
	Name      string `json:"name"`       // empty: a fresh UUID per injector
	SizeBytes uint64 `json:"size_bytes"` // default: 4 MiB
}

// InjectorConfig holds process-controller settings.
type InjectorConfig struct {
	TimeoutMs     uint32 `json:"timeout_ms"`     // budget per remote thread
	BootstrapPath string `json:"bootstrap_path"` // path to the bootstrap module
}

// HookSettings configure the hook engine. They are read from the file named
// by HOOK_CONFIG_FILE (default hook.json in the working directory) with
// environment overrides, in both the injector and the target.
type HookSettings struct {
	Debug          bool   `json:"Debug"`
	VerboseDbgHelp bool   `json:"VerboseDbgHelp"`
	HookStrategy   string `json:"HookStrategy"` // "multi" or "single"
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // trace, debug, info, warn, error, disable
	Format string `json:"format"` // text, json
	File   string `json:"file"`   // optional log file
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
	Addr      string `json:"addr"` // optional /metrics listener
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"` // otlp-http, stdout
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// Config is the central configuration struct.
type Config struct {
	SharedMemory SharedMemoryConfig `json:"shared_memory"`
	Injector     InjectorConfig     `json:"injector"`
	Hook         HookSettings       `json:"hook"`
	Logging      LoggingConfig      `json:"logging"`
	Metrics      MetricsConfig      `json:"metrics"`
	Tracing      TracingConfig      `json:"tracing"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SharedMemory: SharedMemoryConfig{
			SizeBytes: 4 << 20,
		},
		Injector: InjectorConfig{
			TimeoutMs: 5000,
		},
		Hook: HookSettings{
			HookStrategy: "multi",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "bifrost",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "bifrost",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SHARED_MEMORY_NAME"); v != "" {
		cfg.SharedMemory.Name = v
	}
	if v := os.Getenv("SHARED_MEMORY_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.SharedMemory.SizeBytes = n
		}
	}
	if v := os.Getenv("BIFROST_INJECTOR_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Injector.TimeoutMs = uint32(n)
		}
	}
	if v := os.Getenv("BIFROST_BOOTSTRAP_PATH"); v != "" {
		cfg.Injector.BootstrapPath = v
	}
	if v := os.Getenv("BIFROST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BIFROST_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("BIFROST_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("BIFROST_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("BIFROST_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("BIFROST_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("BIFROST_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("BIFROST_TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
	}
	applyHookEnv(&cfg.Hook)
}

// LoadHookSettings reads the hook settings the way the in-target runtime
// does: the file named by HOOK_CONFIG_FILE (default hook.json in the
// working directory) plus environment overrides. A missing file is fine; a
// malformed one is logged and ignored.
func LoadHookSettings() HookSettings {
	settings := DefaultConfig().Hook

	path := os.Getenv("HOOK_CONFIG_FILE")
	if path == "" {
		path = "hook.json"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &settings); err != nil {
			logging.Op().Warn("failed to parse hook settings file", "path", path, "error", err)
			settings = DefaultConfig().Hook
		}
	}

	applyHookEnv(&settings)

	logging.Op().Debug("hook settings",
		"debug", settings.Debug,
		"verbose_dbghelp", settings.VerboseDbgHelp,
		"strategy", settings.HookStrategy)
	return settings
}

func applyHookEnv(settings *HookSettings) {
	if v := os.Getenv("HOOK_DEBUG"); v != "" {
		settings.Debug = parseBool(v)
	}
	if v := os.Getenv("HOOK_VERBOSE_DBGHELP"); v != "" {
		settings.VerboseDbgHelp = parseBool(v)
	}
	if v := os.Getenv("HOOK_STRATEGY"); v != "" {
		switch strings.ToLower(v) {
		case "multi", "single":
			settings.HookStrategy = strings.ToLower(v)
		default:
			logging.Op().Warn("unknown HOOK_STRATEGY value", "value", v)
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
