package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"reviewsearch/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the review index over HTTP. Background maintenance (merging small
partitions, rebalancing and periodic checkpoints) runs while the server
is up. The layout is checkpointed on shutdown.

Examples:
  reviewsearch serve
  reviewsearch serve --addr :9000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := GetConfig()
	rt, err := openRuntime(ctx, cfg, GetRootDir())
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close index")
		}
	}()

	// Maintenance outlives the request context so that Close can stop it
	// in order.
	rt.engine.Start(context.WithoutCancel(ctx))

	srvCfg := cfg.Server
	if serveAddr != "" {
		srvCfg.Addr = serveAddr
	}
	srv := server.New(srvCfg, rt.ingest, rt.search, rt.engine, log)
	return srv.Run(ctx)
}
