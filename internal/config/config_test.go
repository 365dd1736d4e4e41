package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SharedMemory.SizeBytes != 4<<20 {
		t.Fatalf("default shared memory size = %d", cfg.SharedMemory.SizeBytes)
	}
	if cfg.Injector.TimeoutMs != 5000 {
		t.Fatalf("default timeout = %d", cfg.Injector.TimeoutMs)
	}
	if cfg.Hook.HookStrategy != "multi" {
		t.Fatalf("default hook strategy = %q", cfg.Hook.HookStrategy)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"shared_memory":{"name":"fixed","size_bytes":1048576},"logging":{"level":"debug"}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SharedMemory.Name != "fixed" || cfg.SharedMemory.SizeBytes != 1<<20 {
		t.Fatalf("shared memory = %+v", cfg.SharedMemory)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging level = %q", cfg.Logging.Level)
	}
	// Unset keys keep their defaults.
	if cfg.Injector.TimeoutMs != 5000 {
		t.Fatalf("timeout lost its default: %d", cfg.Injector.TimeoutMs)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SHARED_MEMORY_NAME", "env-name")
	t.Setenv("SHARED_MEMORY_SIZE", "2097152")
	t.Setenv("BIFROST_INJECTOR_TIMEOUT_MS", "250")
	t.Setenv("HOOK_DEBUG", "1")
	t.Setenv("HOOK_STRATEGY", "single")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.SharedMemory.Name != "env-name" || cfg.SharedMemory.SizeBytes != 2<<20 {
		t.Fatalf("shared memory from env = %+v", cfg.SharedMemory)
	}
	if cfg.Injector.TimeoutMs != 250 {
		t.Fatalf("timeout from env = %d", cfg.Injector.TimeoutMs)
	}
	if !cfg.Hook.Debug || cfg.Hook.HookStrategy != "single" {
		t.Fatalf("hook settings from env = %+v", cfg.Hook)
	}
}

func TestLoadHookSettingsFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hook.json")
	if err := os.WriteFile(path, []byte(`{"Debug":true,"VerboseDbgHelp":true,"HookStrategy":"single"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("HOOK_CONFIG_FILE", path)

	settings := LoadHookSettings()
	if !settings.Debug || !settings.VerboseDbgHelp || settings.HookStrategy != "single" {
		t.Fatalf("settings from file = %+v", settings)
	}

	// Environment wins over the file.
	t.Setenv("HOOK_DEBUG", "false")
	t.Setenv("HOOK_STRATEGY", "multi")
	settings = LoadHookSettings()
	if settings.Debug || settings.HookStrategy != "multi" {
		t.Fatalf("env override = %+v", settings)
	}
}

func TestLoadHookSettingsIgnoresBadStrategy(t *testing.T) {
	t.Setenv("HOOK_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.json"))
	t.Setenv("HOOK_STRATEGY", "bogus")
	settings := LoadHookSettings()
	if settings.HookStrategy != "multi" {
		t.Fatalf("bad strategy replaced the default: %q", settings.HookStrategy)
	}
}
