package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thfabian/bifrost/internal/config"
	"github.com/thfabian/bifrost/internal/logging"
	"github.com/thfabian/bifrost/internal/metrics"
	"github.com/thfabian/bifrost/internal/observability"
)

var (
	configFile  string
	sharedName  string
	sharedSize  uint64
	timeoutMs   uint32
	bootstrap   string
	logFile     string
	quiet       bool
	metricsAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "bifrost",
		Short:         "Bifrost - hook plugins into native Windows processes",
		Long:          "Bifrost loads plugins into a launched or running process and routes hooked functions through them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")
	pf.StringVar(&sharedName, "shared-memory-name", "", "Name of the shared memory region (default: generated)")
	pf.Uint64Var(&sharedSize, "shared-memory-size", 0, "Size of the shared memory region in bytes")
	pf.Uint32Var(&timeoutMs, "injector-timeout", 0, "Timeout for remote thread execution in milliseconds")
	pf.StringVar(&bootstrap, "bootstrap", "", "Path to the bootstrap module injected into the target")
	pf.StringVar(&logFile, "log-file", "", "Write logs to this file")
	pf.BoolVar(&quiet, "quiet", false, "Suppress log output")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address")

	rootCmd.AddCommand(
		launchCmd(),
		connectCmd(),
		unloadCmd(),
		messageCmd(),
		pluginHelpCmd(),
		killCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if code, ok := exitCodeOf(err); ok {
			os.Exit(code)
		}
		os.Exit(1)
	}
}

// loadConfig merges the config file, the environment and the command-line
// flags, then brings up logging, metrics and tracing.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", configFile, err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	if sharedName != "" {
		cfg.SharedMemory.Name = sharedName
	}
	if sharedSize != 0 {
		cfg.SharedMemory.SizeBytes = sharedSize
	}
	if timeoutMs != 0 {
		cfg.Injector.TimeoutMs = timeoutMs
	}
	if bootstrap != "" {
		cfg.Injector.BootstrapPath = bootstrap
	}
	if logFile != "" {
		cfg.Logging.File = logFile
	}
	if quiet {
		cfg.Logging.Level = "disable"
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = metricsAddr
	}

	if err := setupLogging(cfg.Logging); err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
		if cfg.Metrics.Addr != "" {
			metrics.Serve(cfg.Metrics.Addr)
		}
	}
	if err := observability.Init(context.Background(), cfg.Tracing); err != nil {
		logging.Op().Warn("tracing disabled", "error", err)
	}
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) error {
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logging.InitStructured(cfg.Format, cfg.Level, f)
		return nil
	}
	logging.InitStructured(cfg.Format, cfg.Level, nil)
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("bifrost " + observability.Version)
		},
	}
}
