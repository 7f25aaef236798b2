// ============================================================================
// convcache CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra based entry point driving one conversion build step
//
// Command Structure:
//   convcache                      # Root command
//   ├── convert [files...]         # Convert sources through cache and pool
//   ├── status                     # Inspect the persisted cache index
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --verbose, -v              # Debug logging
//   └── --version
//
// Configuration Management:
//   YAML config file with sections:
//   - converter: executable, protocol command, toolchain version, pool size
//   - cache: index path and output directory
//   - metrics: Prometheus endpoint
//   - health: gRPC health endpoint
//
// convert Command:
//   1. Load config, set up logging and metrics
//   2. Load the cache index
//   3. Convert every file (reusing cached outputs)
//   4. Save the cache index, even when some conversions failed
//   5. Print "source -> output" per converted file
//
//   Examples:
//     ./convcache convert res/drawable/*.png
//     ./convcache convert -c build/aapt.yaml a.png b.png
//
// status Command:
//   Prints config summary and index statistics: records, outputs, records
//   whose source or outputs are gone.
//
// Signal Handling:
//   SIGINT / SIGTERM cancel the running conversion; the session still ends
//   and every worker is shut down.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/convcache/internal/cache"
	"github.com/ChuLiYu/convcache/internal/convert"
	"github.com/ChuLiYu/convcache/internal/index"
	"github.com/ChuLiYu/convcache/internal/metrics"
	"github.com/ChuLiYu/convcache/internal/server"
	"github.com/ChuLiYu/convcache/internal/worker"
)

var (
	configFile string
	verbose    bool
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "convcache",
		Short: "convcache: content-addressed cache for external conversion tools",
		Long: `convcache runs an external converter through a pool of long-lived
worker processes and caches every conversion by source, toolchain version
and parameters:
- each conversion runs once across concurrent build steps
- results persist across builds and are revalidated before reuse
- Prometheus metrics and gRPC health reporting`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(buildConvertCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildConvertCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "convert [files...]",
		Short: "Convert files, reusing cached outputs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runConvert(ctx, cfg, args, newLogger(cmd.ErrOrStderr()), cmd.OutOrStdout())
		},
	}
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func runConvert(ctx context.Context, cfg *Config, files []string, logger *slog.Logger, out io.Writer) error {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	if cfg.Metrics.Enabled {
		stopMetrics, err := startMetricsServer(cfg.Metrics.Port, reg, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	registry := worker.NewRegistry()
	defer registry.Close()

	poolCfg := cfg.poolConfig()
	poolCfg.Recorder = collector
	poolCfg.Logger = logger
	pool := registry.Get(poolCfg)

	if cfg.Health.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Health.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.Health.Port, err)
		}
		srv := server.NewServer(server.DefaultPollInterval, logger)
		srv.Watch(filepath.Base(cfg.Converter.Executable), pool)
		go func() {
			if err := srv.Serve(lis); err != nil {
				logger.Error("health server failed", "error", err)
			}
		}()
		defer srv.Stop()
	}

	c := cache.New(cache.Options{Recorder: collector, Logger: logger})
	convCfg := cfg.convertConfig()
	convCfg.Logger = logger
	conv := convert.New(c, pool, convCfg)

	conv.Load()
	results, convErr := conv.Convert(ctx, files)
	saveErr := conv.Save()

	printResults(out, results)
	stats := conv.Stats()
	fmt.Fprintf(out, "%d converted, %d reused, %d failed\n",
		stats.Pool.Completed, stats.Cache.Hits, stats.Pool.Failed)

	return errors.Join(convErr, saveErr)
}

func startMetricsServer(port int, reg *prometheus.Registry, logger *slog.Logger) (func(), error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on metrics port %d: %w", port, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func printResults(out io.Writer, results map[string][]string) {
	sources := make([]string, 0, len(results))
	for src := range results {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		for _, o := range results[src] {
			fmt.Fprintf(out, "%s -> %s\n", src, o)
		}
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache index status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cfg, cmd.OutOrStdout())
		},
	}
}

// indexStatus 索引統計
type indexStatus struct {
	Records        int
	Outputs        int
	MissingSource  int
	MissingOutputs int
}

func inspectIndex(idx index.Index) indexStatus {
	var st indexStatus
	for _, rec := range idx.Items {
		st.Records++
		st.Outputs += len(rec.Outputs)
		if _, err := os.Stat(rec.Source); err != nil {
			st.MissingSource++
		}
		for _, o := range rec.Outputs {
			if _, err := os.Stat(o); err != nil {
				st.MissingOutputs++
				break
			}
		}
	}
	return st
}

func showStatus(cfg *Config, out io.Writer) error {
	fmt.Fprintln(out, "convcache status")
	fmt.Fprintf(out, "  config:      %s\n", configFile)
	fmt.Fprintf(out, "  converter:   %s (%d workers)\n", cfg.Converter.Executable, cfg.Converter.Workers)
	fmt.Fprintf(out, "  toolchain:   %s\n", cfg.Converter.ToolchainVersion)
	fmt.Fprintf(out, "  output dir:  %s\n", cfg.Cache.OutputDir)
	fmt.Fprintf(out, "  index:       %s\n", cfg.Cache.IndexPath)

	idx, err := index.NewStore(cfg.Cache.IndexPath).Read()
	switch {
	case errors.Is(err, index.ErrIndexNotFound):
		fmt.Fprintln(out, "  records:     none (index not written yet)")
		return nil
	case errors.Is(err, index.ErrIncompatibleVersion), errors.Is(err, index.ErrCorruptedIndex):
		fmt.Fprintf(out, "  records:     unusable (%v), next build starts empty\n", err)
		return nil
	case err != nil:
		return err
	}

	st := inspectIndex(idx)
	fmt.Fprintf(out, "  records:     %d (%d outputs)\n", st.Records, st.Outputs)
	fmt.Fprintf(out, "  stale:       %d missing source, %d missing outputs\n", st.MissingSource, st.MissingOutputs)

	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  metrics:     http://localhost:%d/metrics\n", cfg.Metrics.Port)
	}
	if cfg.Health.Enabled {
		fmt.Fprintf(out, "  health:      grpc://localhost:%d\n", cfg.Health.Port)
	}
	return nil
}
