package cli

import (
	"github.com/spf13/cobra"

	"github.com/me/gowdl/internal/events"
	"github.com/me/gowdl/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health and Prometheus metrics",
		Long: `Serves /health, /metrics and the event endpoints without running anything.
Use "run --serve" to report on a run while it executes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := cfg.Server
			if addr != "" {
				sc.Addr = addr
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			srv := server.New(sc, events.NewBroker(), logger)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address; overrides server.addr")
	return cmd
}
