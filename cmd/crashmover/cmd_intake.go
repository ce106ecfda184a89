package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"crashmover/intake"
)

var (
	intakeOnce     bool
	intakeInterval time.Duration

	submitMetadata string
	submitDump     string
	submitID       string
	submitPriority bool

	intakeCmd = &cobra.Command{
		Use:   "intake",
		Short: "Ingest crashes from the collector drop directories",
		RunE:  runIntake,
	}
	submitCmd = &cobra.Command{
		Use:   "submit",
		Short: "Submit one crash (metadata JSON file plus dump file)",
		RunE:  runSubmit,
	}
)

func init() {
	intakeCmd.Flags().BoolVar(&intakeOnce, "once", false, "Drain the inputs once and exit.")
	intakeCmd.Flags().DurationVar(&intakeInterval, "interval", 0, "Polling interval. Overrides config.intake.interval.")

	submitCmd.Flags().StringVar(&submitMetadata, "metadata", "", "Metadata JSON file.")
	submitCmd.Flags().StringVar(&submitDump, "dump", "", "Dump file.")
	submitCmd.Flags().StringVar(&submitID, "id", "", "Crash id. Generated when empty.")
	submitCmd.Flags().BoolVar(&submitPriority, "priority", false, "Skip the throttle and process ahead of the queue.")
	_ = submitCmd.MarkFlagRequired("metadata")
	_ = submitCmd.MarkFlagRequired("dump")

	rootCmd.AddCommand(intakeCmd, submitCmd)
}

func (a *app) openGate(cmd *cobra.Command) (*intake.Gate, error) {
	ctx := cmd.Context()
	db, err := a.openDB(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := a.openPool(ctx)
	if err != nil {
		return nil, err
	}
	throttler, err := a.cfg.Throttler()
	if err != nil {
		return nil, fmt.Errorf("throttle rules: %w", err)
	}
	return intake.NewGate(intake.GateConfig{
		Pool:      pool,
		DB:        db,
		Throttler: throttler,
		Logger:    a.log,
		Clock:     a.clk,
	})
}

func runIntake(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a := newApp(cfg)
	defer a.Close()

	gate, err := a.openGate(cmd)
	if err != nil {
		return err
	}
	db, err := a.openDB(ctx)
	if err != nil {
		return err
	}
	sc := a.cfg.Spool(gate, db, nil, a.log, a.clk)
	if root := a.cfg.Intake.CollectorRoot; root != "" {
		if sc.Store, err = a.openStore(root); err != nil {
			return fmt.Errorf("open collector store: %w", err)
		}
	}
	if len(sc.Inputs) == 0 && sc.Store == nil {
		return fmt.Errorf("no inputs (set intake.files or intake.collector_root)")
	}
	spool, err := intake.NewSpool(sc)
	if err != nil {
		return err
	}

	if intakeOnce {
		stats, err := spool.RunOnce(ctx)
		if err != nil {
			return err
		}
		if stats.Failed > 0 {
			return fmt.Errorf("%d of %d entries failed", stats.Failed, stats.Seen)
		}
		return nil
	}

	a.serveMetrics(ctx)
	interval := a.cfg.Intake.Interval.D()
	if cmd.Flags().Changed("interval") {
		interval = intakeInterval
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return spool.Run(ctx, interval)
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	a := newApp(cfg)
	defer a.Close()

	raw, err := os.ReadFile(submitMetadata)
	if err != nil {
		return err
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("%s: %w", submitMetadata, err)
	}
	dump, err := os.ReadFile(submitDump)
	if err != nil {
		return err
	}
	gate, err := a.openGate(cmd)
	if err != nil {
		return err
	}
	res, err := gate.Submit(cmd.Context(), intake.Submission{
		CrashID:  submitID,
		Metadata: meta,
		Dump:     dump,
		Priority: submitPriority,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s queued=%t\n", res.CrashID, res.Decision, res.Queued)
	return nil
}
