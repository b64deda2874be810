// Package main provides the fingraph CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/fingraph/pkg/config"
	"github.com/orneryd/fingraph/pkg/dualwrite"
	"github.com/orneryd/fingraph/pkg/fingraph"
	"github.com/orneryd/fingraph/pkg/logging"
	"github.com/orneryd/fingraph/pkg/wal"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fingraph",
		Short: "fingraph - dual-backend storage for the financial knowledge graph",
		Long: `fingraph keeps a relational attribute store and a graph-native store
consistent behind one storage interface.

Writes are journaled to a write-ahead log first, then applied to both
backends either atomically (strict, two-phase commit) or with asynchronous
replication to the secondary (eventual).`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file (FINGRAPH_* environment variables override it)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fingraph v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Open the storage stack and run its background workers",
		Long:  "Recover in-doubt transactions, start the sync worker and the stale-transaction janitor, serve /metrics and wait for SIGINT or SIGTERM.",
		RunE:  runRun,
	})

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Resolve in-doubt transactions left in the WAL",
		RunE:  runRecover,
	}
	recoverCmd.Flags().String("policy", string(dualwrite.RecoverRedo), "redo or discard")
	rootCmd.AddCommand(recoverCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check every backend connection pool",
		RunE:  runHealth,
	})

	walCmd := &cobra.Command{
		Use:   "wal",
		Short: "Write-ahead log tools",
	}
	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "List uncommitted transactions and corrupted lines",
		RunE:  runWALInspect,
	}
	inspectCmd.Flags().String("dir", "", "WAL directory (default: from config)")
	walCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(walCmd)

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStack loads the config and opens the stack with the configured logger.
// The returned cleanup closes the stack and the log file.
func openStack(ctx context.Context, cmd *cobra.Command) (*fingraph.DB, *slog.Logger, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, logCloser, err := logging.New(cfg.Logging, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := fingraph.Open(ctx, cfg, logger)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Error("close failed", "error", err)
		}
		_ = logCloser.Close()
	}
	return db, logger, cleanup, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, logger, cleanup, err := openStack(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if db.DualWrite != nil {
		report, err := db.Recover(ctx, dualwrite.RecoverRedo)
		if err != nil {
			return fmt.Errorf("recovery: %w", err)
		}
		logger.Info("recovery finished",
			"redone", len(report.Redone),
			"discarded", len(report.Discarded),
			"failed", len(report.Failed),
			"corrupted", report.Corrupted)
	}

	if err := db.Start(ctx); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}

	var srv *http.Server
	mc := db.Config().Metrics
	if mc.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", db.MetricsHandler())
		srv = &http.Server{Addr: mc.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("serving metrics", "address", mc.Address)
	}

	logger.Info("fingraph running", "version", version, "storage", db.Storage.Name())
	<-ctx.Done()
	logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetString("policy")
	policy, err := dualwrite.ParsePolicy(raw)
	if err != nil {
		return err
	}

	db, _, cleanup, err := openStack(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := db.Recover(cmd.Context(), policy)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d transactions could not be recovered", len(report.Failed))
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	db, _, cleanup, err := openStack(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	health := db.Health(cmd.Context())
	out := cmd.OutOrStdout()
	if len(health) == 0 {
		fmt.Fprintln(out, "no pooled backends")
	}

	names := make([]string, 0, len(health))
	for name := range health {
		names = append(names, name)
	}
	slices.Sort(names)

	stats := db.Pools.Stats()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POOL\tKIND\tSTATUS\tSIZE\tIDLE\tIN USE")
	unhealthy := 0
	for _, name := range names {
		status := "ok"
		if !health[name] {
			status = "unhealthy"
			unhealthy++
		}
		s := stats[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n", name, s.Kind, status, s.Size, s.Idle, s.InUse)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if st, err := db.Storage.Stats(cmd.Context()); err == nil {
		fmt.Fprintf(out, "\n%s: %d entities, %d relations\n", st.Backend, st.Entities, st.Relations)
	}
	if unhealthy > 0 {
		return fmt.Errorf("%d unhealthy pools", unhealthy)
	}
	return nil
}

func runWALInspect(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dir = cfg.WAL.Dir
	}

	res, err := wal.Inspect(dir)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", dir, err)
	}
	return printInspection(cmd.OutOrStdout(), dir, res)
}

func printInspection(out io.Writer, dir string, res wal.ReadResult) error {
	ids, pending := wal.Uncommitted(res.Entries)
	fmt.Fprintf(out, "WAL %s: %d entries, %d corrupted, %d uncommitted\n",
		dir, len(res.Entries), res.Corrupted, len(ids))
	if len(ids) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRANSACTION\tENTRIES\tLAST\tSTARTED")
	for _, id := range ids {
		entries := pending[id]
		last := entries[len(entries)-1]
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", id, len(entries), last.Type, entries[0].Timestamp.Format(time.RFC3339))
	}
	return tw.Flush()
}
