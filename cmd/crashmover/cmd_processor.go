package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crashmover/scheduler"
	"crashmover/worker"
)

var (
	processorName string

	processorCmd = &cobra.Command{
		Use:   "processor",
		Short: "Register a processor and analyze queued crashes",
		Long: `Registers this process in the processors table, then streams claimed jobs
to a pool of analyzer workers.

The first SIGINT/SIGTERM stops claiming new jobs and lets running jobs finish.
A second signal, or worker.shutdown_grace elapsing, stops immediately without
storing partial results.`,
		RunE: runProcessor,
	}
)

func init() {
	processorCmd.Flags().StringVar(&processorName, "name", "", "Processor name. Overrides config.scheduler.name (default host_pid).")
	rootCmd.AddCommand(processorCmd)
}

func runProcessor(cmd *cobra.Command, _ []string) error {
	a := newApp(cfg)
	defer a.Close()

	// Signals are handled here in two stages rather than through the root
	// context, which is cancelled on the first one.
	base := context.WithoutCancel(cmd.Context())
	db, err := a.openDB(base)
	if err != nil {
		return err
	}
	pool, err := a.openPool(base)
	if err != nil {
		return err
	}

	sc := a.cfg.SchedulerOptions(db, a.log, a.clk)
	if cmd.Flags().Changed("name") {
		sc.Name = processorName
	}
	sched, err := scheduler.New(sc)
	if err != nil {
		return err
	}
	wk, err := worker.New(a.cfg.WorkerOptions(db, pool, a.log, a.clk))
	if err != nil {
		return err
	}
	id, err := sched.Register(base)
	if err != nil {
		return fmt.Errorf("register processor: %w", err)
	}
	log := a.log.With("processor_id", id)
	defer func() {
		ctx, cancel := context.WithTimeout(base, 30*time.Second)
		defer cancel()
		if err := sched.Unregister(ctx); err != nil {
			log.Warn("unregister failed", "error", err)
		}
	}()

	graceful, stopClaiming := context.WithCancel(base)
	defer stopClaiming()
	immediate, abort := context.WithCancel(base)
	defer abort()
	go shutdownOnSignals(stopClaiming, abort, a.cfg.Worker.ShutdownGrace.D(), log)

	a.serveMetrics(graceful)
	stream, err := sched.Run(graceful)
	if err != nil {
		return err
	}
	log.Info("processor running", "name", sc.Name)
	err = wk.Run(immediate, stream)
	// Drain the stream so the scheduler goroutines can exit.
	stopClaiming()
	for range stream {
	}
	log.Info("processor stopped")
	return err
}

// shutdownOnSignals turns the first signal into a graceful stop and the
// second, or the grace period running out, into an immediate one.
func shutdownOnSignals(graceful, immediate context.CancelFunc, grace time.Duration, log *slog.Logger) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	sig := <-sigs
	log.Info("stopping after running jobs", "signal", sig.String())
	graceful()

	var timeout <-chan time.Time
	if grace > 0 {
		t := time.NewTimer(grace)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case sig = <-sigs:
		log.Info("stopping now", "signal", sig.String())
	case <-timeout:
		log.Info("shutdown grace elapsed, stopping now", "grace", grace)
	}
	immediate()
}
