package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"crashmover/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	dbDSN      string

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:           "crashmover",
		Short:         "Crash report intake, storage and processing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg = loaded
			initLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			return nil
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "crashmover.yaml", "YAML config file path.")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error). Overrides config.")
	pf.StringVar(&logFormat, "log-format", "", "Log format (json, text). Overrides config.")
	pf.StringVar(&dbDSN, "db", "", "Database DSN. Overrides config.database.dsn.")
}

// loadConfig reads the config file and applies the command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		c.Log.Format = logFormat
	}
	if flags.Changed("db") {
		c.Database.DSN = dbDSN
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "crashmover:", err)
		os.Exit(1)
	}
}
