// Command sl4actl drives an on-device scripting agent session from the
// host: it starts the agent, opens a session, and keeps it alive until
// interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mobly-go/sl4a/internal/adbshell"
	"github.com/mobly-go/sl4a/internal/config"
	"github.com/mobly-go/sl4a/internal/logging"
	"github.com/mobly-go/sl4a/internal/metrics"
	"github.com/mobly-go/sl4a/pkg/sl4a"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	cfg.ApplyEnv()

	cmd := &cobra.Command{
		Use:   "sl4actl",
		Short: "Drive an on-device SL4A-style scripting agent over ADB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Serial, "serial", cfg.Serial, "device serial (required)")
	flags.StringVar(&cfg.AdbBin, "adb-bin", cfg.AdbBin, "path to the adb executable")
	flags.StringVar(&cfg.AgentPackage, "agent-package", cfg.AgentPackage, "on-device agent package name")
	flags.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "RPC connection pool cap per session")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on, empty to disable")

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Serial == "" {
		return fmt.Errorf("sl4actl: --serial is required")
	}

	metricsReg := metrics.New()
	if cfg.MetricsAddr != "" {
		serveMetrics(logger, cfg.MetricsAddr, metricsReg)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	adb := adbshell.New(cfg.AdbBin, cfg.Serial)
	manager := sl4a.ObtainManager(logger, adb, metricsReg, cfg.AgentPackage)

	session, err := manager.CreateSession(ctx, cfg.MaxConnections, 0, 0)
	if err != nil {
		return fmt.Errorf("sl4actl: create session: %w", err)
	}
	logger.Info("session established", zap.Int("uid", session.UID()), zap.String("ports", session.Ports().String()))

	<-ctx.Done()
	logger.Info("shutting down")
	manager.TerminateAll(context.Background())
	return nil
}

func serveMetrics(logger *zap.Logger, addr string, reg *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server exited", zap.Error(err))
		}
	}()
}
