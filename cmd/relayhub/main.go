package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relayhub/internal/config"
	"github.com/rmacdonaldsmith/relayhub/internal/logging"
)

const (
	// Application info
	appName    = "RelayHub"
	appVersion = "0.1.0"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flagOverrides holds command-line values; only flags the user set win over
// the file and environment
type flagOverrides struct {
	configPath      string
	port            int
	bindAddress     string
	path            string
	advertiseHost   string
	adminPort       int
	healthPort      int
	duplicatePolicy string
	reportMissing   bool
	logLevel        string
	logFormat       string
	showVersion     bool
}

func newRootCommand() *cobra.Command {
	var flags flagOverrides

	cmd := &cobra.Command{
		Use:   "relayhub",
		Short: "Real-time relay hub for stream and message routing over websockets",
		Long: `relayhub accepts websocket clients on a single endpoint, asks each one for
its identity, keeps the latest value of every named stream and routes direct
and broadcast messages between identified clients.

Configuration is read from --config (YAML), then RELAYHUB_* environment
variables, then command-line flags.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, appVersion)
				return nil
			}

			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML config file")
	f.IntVar(&flags.port, "port", config.DefaultPort, "Websocket listen port (0 picks a free port)")
	f.StringVar(&flags.bindAddress, "bind", config.DefaultBindAddress, "Address to bind listeners to")
	f.StringVar(&flags.path, "path", config.DefaultPath, "HTTP path serving websocket upgrades")
	f.StringVar(&flags.advertiseHost, "advertise-host", "", "Host reported to operators instead of the discovered address")
	f.IntVar(&flags.adminPort, "admin-port", config.DefaultAdminPort, "Operator HTTP API port (0 disables)")
	f.IntVar(&flags.healthPort, "health-port", 0, "gRPC health service port (0 disables)")
	f.StringVar(&flags.duplicatePolicy, "duplicate-policy", "evict", "What a second connection claiming a connected identity does: evict or reject")
	f.BoolVar(&flags.reportMissing, "report-missing-streams", false, "Answer requests for unknown streams with stream_not_found")
	f.StringVar(&flags.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	f.StringVar(&flags.logFormat, "log-format", logging.FormatConsole, "Log format: console or json")
	f.BoolVar(&flags.showVersion, "version", false, "Show version and exit")

	return cmd
}

// loadConfig layers file, environment and explicitly set flags
func loadConfig(cmd *cobra.Command, flags flagOverrides) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Port = flags.port
	}
	if f.Changed("bind") {
		cfg.BindAddress = flags.bindAddress
	}
	if f.Changed("path") {
		cfg.Path = flags.path
	}
	if f.Changed("advertise-host") {
		cfg.AdvertiseHost = flags.advertiseHost
	}
	if f.Changed("admin-port") {
		cfg.Admin.Port = flags.adminPort
	}
	if f.Changed("health-port") {
		cfg.Health.GRPCPort = flags.healthPort
	}
	if f.Changed("duplicate-policy") {
		cfg.DuplicatePolicy = flags.duplicatePolicy
	}
	if f.Changed("report-missing-streams") {
		cfg.ReportMissingStreams = flags.reportMissing
	}
	if f.Changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = flags.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// run starts every listener and blocks until ctx is cancelled, then shuts
// down gracefully
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting "+appName, zap.String("version", appVersion))

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		_ = a.shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Warn("Error during graceful stop", zap.Error(err))
		return err
	}

	logger.Info(appName + " stopped")
	return nil
}
