package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/me/gowdl/internal/config"
	"github.com/me/gowdl/internal/logging"
)

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	cfg    *config.Config
)

// NewRootCmd creates the root cobra command for the gowdl CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gowdl",
		Short: "gowdl runs WDL workflows",
		Long: `gowdl executes WDL 1.1 tasks and workflows on local processes, Docker,
Apptainer, Slurm or a GA4GH TES server, with call caching and a resource
scheduler.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				c.LogLevel = flagLogLevel
			}
			if cmd.Flags().Changed("log-format") {
				c.LogFormat = flagLogFormat
			}
			if flagDebug {
				c.LogLevel = "debug"
			}
			cfg = c
			logger = logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", os.Getenv("GOWDL_CONFIG"), "Config file (or GOWDL_CONFIG env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newCheckCmd(),
		newServeCmd(),
	)

	return root
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	var stopped atomic.Bool
	context.AfterFunc(ctx, func() {
		if !stopped.Load() && parent.Err() == nil {
			logger.Info("received signal, canceling")
		}
	})
	return ctx, func() {
		stopped.Store(true)
		stop()
	}
}
