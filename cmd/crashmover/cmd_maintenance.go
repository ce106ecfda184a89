package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crashmover/scheduler"
	"crashmover/storage"
)

var (
	sweepOlderThan time.Duration
	sweepFallback  bool
	reconcileLoop  bool
	reconcileRate  float64

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE:  runMigrate,
	}
	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Remove stored crashes older than the retention age",
		RunE:  runSweep,
	}
	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Move crashes from the fallback store to the primary backend",
		RunE:  runReconcile,
	}
	prioritizeCmd = &cobra.Command{
		Use:   "prioritize <crash id>...",
		Short: "Process the given crashes ahead of the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPrioritize,
	}
)

func init() {
	sweepCmd.Flags().DurationVar(&sweepOlderThan, "older-than", 0, "Retention age. Overrides config.store.retention.")
	sweepCmd.Flags().BoolVar(&sweepFallback, "fallback", false, "Sweep the fallback store as well.")
	reconcileCmd.Flags().BoolVar(&reconcileLoop, "loop", false, "Keep reconciling every config.storage.reconcile.interval.")
	reconcileCmd.Flags().Float64Var(&reconcileRate, "rate", 0, "Migrations per second. Overrides config.storage.reconcile.rate.")

	rootCmd.AddCommand(migrateCmd, sweepCmd, reconcileCmd, prioritizeCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	a := newApp(cfg)
	defer a.Close()
	if _, err := a.openDB(cmd.Context()); err != nil {
		return err
	}
	a.log.Info("database schema up to date", "driver", a.cfg.Database.Driver)
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	a := newApp(cfg)
	defer a.Close()

	age := a.cfg.Store.Retention.D()
	if cmd.Flags().Changed("older-than") {
		age = sweepOlderThan
	}
	if age <= 0 {
		return errors.New("no retention age (set store.retention or --older-than)")
	}
	roots := []string{a.cfg.Store.Root}
	if sweepFallback && a.cfg.Storage.Fallback != nil {
		roots = append(roots, a.cfg.Storage.Fallback.Root)
	}
	cutoff := a.clk.Now().Add(-age)
	for _, root := range roots {
		store, err := a.openStore(root)
		if err != nil {
			return err
		}
		n, err := store.RemoveOlderThan(cmd.Context(), cutoff)
		a.log.Info("sweep done", "root", root, "cutoff", cutoff, "removed", n)
		if err != nil {
			return fmt.Errorf("sweep %s: %w", root, err)
		}
	}
	return nil
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a := newApp(cfg)
	defer a.Close()

	if a.cfg.Storage.Fallback == nil {
		return errors.New("no fallback store configured")
	}
	pool, err := a.openPool(ctx)
	if err != nil {
		return err
	}
	rc := a.cfg.Reconcile(a.log)
	if cmd.Flags().Changed("rate") {
		rc.Rate = reconcileRate
	}
	r, err := storage.NewReconciler(pool, rc)
	if err != nil {
		return err
	}
	if !reconcileLoop {
		_, err := r.Run(ctx)
		return err
	}

	a.serveMetrics(ctx)
	interval := a.cfg.Storage.Reconcile.Interval.D()
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		if _, err := r.Run(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("reconcile failed", "error", err)
		}
		if err := a.clk.Sleep(ctx, interval); err != nil {
			return nil
		}
	}
}

func runPrioritize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a := newApp(cfg)
	defer a.Close()

	db, err := a.openDB(ctx)
	if err != nil {
		return err
	}
	var failed []error
	for _, id := range args {
		if err := scheduler.Prioritize(ctx, db, id, a.clk.Now(), a.log); err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Fprintln(cmd.OutOrStdout(), id, "prioritized")
	}
	return errors.Join(failed...)
}
