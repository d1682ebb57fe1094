package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	Qd "github.com/magnetlab/quenchd/display"
	Qi "github.com/magnetlab/quenchd/instr"
	Qj "github.com/magnetlab/quenchd/journal"
	Qo "github.com/magnetlab/quenchd/obvy"
	Qr "github.com/magnetlab/quenchd/run"
)

const (
	defaultListenAddr   = ":8420"
	journalBatchSize    = 16
	shutdownGracePeriod = 5 * time.Second
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "quenchd",
		Short: "Coordinates a destructive quench-detection test run",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "quenchd.json", "run configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Program, arm and trigger a run, acquiring until quench or stop",
		RunE:  func(cmd *cobra.Command, args []string) error { return runRun() },
	}
	abortCmd := &cobra.Command{
		Use:   "abort",
		Short: "Best-effort abort: stop any sequence and disable source output",
		RunE:  func(cmd *cobra.Command, args []string) error { return runAbort() },
	}
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Qd.Version)
		},
	}

	root.AddCommand(runCmd, abortCmd, versionCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRun() error {
	cfg, err := Qr.LoadConfigFileName(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// OTel is opt-in: only wire the exporter when a collector is configured
	if Qr.FillEnvVar("OTEL_EXPORTER_OTLP_ENDPOINT") != "ENOENT" {
		otelShutdown, err := Qo.InitOTelHNY()
		if err != nil {
			slog.Error("Problem starting OTel", slog.Any("Error", err))
		} else {
			defer otelShutdown()
		}
	}

	stats := Qo.NewStatsInternal()

	jq, err := Qj.NewJournal(filepath.Join(cfg.DataDir, "journal"), journalBatchSize)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jq.Close()

	coord := Qr.NewCoordinator(cfg, jq)
	coord.Stats = stats

	view := Qd.NewView(coord, stats)
	view.Journal = jq
	view.NewRefreshSupervisor()
	view.Supervisor.Start()
	defer view.Supervisor.Stop()

	listen := cfg.ListenAddr
	if listen == "" {
		listen = defaultListenAddr
	}
	go func() {
		if err := view.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Data server exited", slog.Any("Error", err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := coord.Start(); err != nil {
		return fmt.Errorf("run %s: %w", coord.RunID, err)
	}
	slog.Info("Run started", slog.String("runID", coord.RunID))

	select {
	case <-ctx.Done():
		slog.Info("Operator stop requested")
		if err := coord.Stop(); err != nil {
			slog.Error("Teardown finished with errors", slog.Any("Error", err))
		}
	case <-coord.Done():
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer shutCancel()
	if err := view.Shutdown(shutCtx); err != nil {
		slog.Error("Data server shutdown", slog.Any("Error", err))
	}

	info := coord.Info()
	slog.Info("Run finished",
		slog.String("runID", info.RunID),
		slog.String("state", info.State),
		slog.Bool("quench", info.Quench),
		slog.Int("rows", info.Rows),
		slog.String("log", info.LogPath))
	return nil
}

func runAbort() error {
	cfg, err := Qr.LoadConfigFileName(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := Qi.NewSource(cfg.SourceAddr).Abort(); err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	return nil
}
