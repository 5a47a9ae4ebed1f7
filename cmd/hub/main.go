// Command hub runs the MCP Coordination Hub: the Submission API, the
// agent WebSocket endpoint, and the health/readiness/metrics server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcphub/hub/internal/config"
	"github.com/mcphub/hub/internal/hubserver"
	"github.com/mcphub/hub/internal/observability"
)

// Exit codes per SPEC_FULL §6.
const (
	exitOK            = 0
	exitBadConfig     = 64
	exitBindFailure   = 69
	exitInternalError = 70
)

var (
	version   = "dev"
	cfgFile   string
	listenOpt string
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		if code, ok := err.(exitCoder); ok {
			fmt.Fprintln(os.Stderr, err)
			return code.ExitCode()
		}
		fmt.Fprintln(os.Stderr, err)
		return exitInternalError
	}
	return exitOK
}

// exitCoder lets a subcommand signal a specific process exit code
// instead of main always falling back to exitInternalError.
type exitCoder interface {
	error
	ExitCode() int
}

type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) ExitCode() int { return e.code }

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hub",
		Short: "MCP Coordination Hub",
		Long:  "hub dispatches workflow tasks across connected MCP agent workers, tracking dependencies, retries, and fan-out/fan-in aggregation.",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file overlaying environment defaults")
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hub %s\n", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listenOpt, "listen", "", "override the listen address (defaults to config/env)")
	return cmd
}

func serve(ctx context.Context) error {
	cfg := config.Load()
	if cfgFile != "" {
		if err := cfg.LoadFile(cfgFile); err != nil {
			return &codedError{exitBadConfig, fmt.Errorf("loading config file %q: %w", cfgFile, err)}
		}
	}
	if listenOpt != "" {
		cfg.ListenAddress = listenOpt
	}
	if cfg.ListenAddress == "" {
		return &codedError{exitBadConfig, fmt.Errorf("listen_address must not be empty")}
	}

	obs, err := observability.NewObservability(observability.DefaultConfigFrom(cfg.ServiceName, cfg))
	if err != nil {
		return &codedError{exitBadConfig, fmt.Errorf("initializing observability: %w", err)}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	tracer := observability.NewTraceManager(cfg.ServiceName)
	metrics, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		return &codedError{exitBadConfig, fmt.Errorf("initializing metrics: %w", err)}
	}

	h := hubserver.New(cfg, obs.Logger, tracer, metrics)

	// Tasks unfinished at the moment of a host restart are not recovered
	// since nothing about in-flight dispatch state is persisted; a fresh
	// process always starts with an empty task table, so there is
	// nothing here to mark host_restart against.

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go h.Run(runCtx)

	ticker := hubserver.NewMetricsTicker(runCtx, metrics)
	ticker.Start()
	defer ticker.Stop()

	healthSrv := observability.NewHealthServer(cfg.HealthPort, cfg.ServiceName, version)
	healthSrv.AddChecker("agent_registry", hubserver.NewRegistryHealthChecker(h))
	go func() {
		if err := healthSrv.Start(runCtx); err != nil && err != http.ErrServerClosed {
			obs.Logger.Error("health server exited", "error", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: h.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		obs.Logger.Info("hub listening", "addr", cfg.ListenAddress)
		serveErr <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return &codedError{exitBindFailure, fmt.Errorf("http server: %w", err)}
		}
	case sig := <-sigCh:
		obs.Logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return &codedError{exitInternalError, fmt.Errorf("http server shutdown: %w", err)}
	}
	_ = healthSrv.Shutdown(shutdownCtx)
	return nil
}
