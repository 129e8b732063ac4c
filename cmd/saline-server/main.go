package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/saline-io/saline/internal/busclient"
	"github.com/saline-io/saline/internal/config"
	"github.com/saline-io/saline/internal/merger"
	"github.com/saline-io/saline/internal/pipeline"
	"github.com/saline-io/saline/internal/restapi"
	"github.com/saline-io/saline/internal/selfmetrics"
)

var (
	version = "dev"

	configFilePath string
	debug          bool
)

var rootCmd = &cobra.Command{
	Use:   "saline-server",
	Short: "Saline aggregates Salt event-bus telemetry into Prometheus metrics",
	Long: `saline-server subscribes to a Salt master event bus, parses job and
state-apply events, and publishes a Prometheus-compatible metrics endpoint
summarizing job completion, state results, and minion liveness.`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "path to saline config YAML (optional)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging and gin debug mode")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	pterm.DefaultHeader.WithFullWidth().Println("Saline — Salt event telemetry aggregator")
	pterm.Info.Printfln("version %s", version)

	cfg, err := config.Load(configFilePath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	src, err := busclient.NewWebsocketSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("configuring bus source: %w", err)
	}

	m := merger.New(cfg, logger)
	p := pipeline.New(cfg, logger, src, m)
	api := restapi.New(cfg, logger, m, p, debug)
	mt := merger.NewMaintenance(cfg, logger, m, api)
	api.SetMaintenance(mt)
	sm := selfmetrics.NewServer(cfg.SelfMetricsAddr, version, logger, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		pterm.Warning.Println("shutting down...")
		cancel()
	}()

	if err := mt.Start(ctx); err != nil {
		return fmt.Errorf("starting maintenance loop: %w", err)
	}

	go p.Run(ctx)
	go func() {
		if err := sm.Run(ctx); err != nil {
			logger.Error("self metrics server exited", "error", err)
		}
	}()

	pterm.Success.Printfln("listening on %s (bus: %s)", cfg.HTTPAddr, cfg.Bus)
	if err := api.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
