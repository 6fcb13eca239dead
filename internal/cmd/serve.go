package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Iron-Ham/swarm/internal/analytics"
	"github.com/Iron-Ham/swarm/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only JSON API over the run state",
	Long: `Serve the persisted runs, plans, execution records, conflicts,
verification reports and run history as JSON until interrupted.

Endpoints:
  GET /api/runs[?status=]
  GET /api/runs/{id}
  GET /api/runs/{id}/plan[?revision=]
  GET /api/runs/{id}/records
  GET /api/runs/{id}/records/{step}/{attempt}/transcript
  GET /api/runs/{id}/conflicts[?pending=true]
  GET /api/runs/{id}/verification[?step=]
  GET /api/history[?limit=]`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	addr := env.cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(runContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := env.openStore()
	if err != nil {
		return err
	}
	logger, err := env.newLogger(env.stateDir)
	if err != nil {
		return err
	}
	defer logger.Close()
	sink, err := analytics.Open(ctx, env.cfg.Analytics, env.stateDir)
	if err != nil {
		return err
	}
	defer sink.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s\n", store.Root(), addr)
	return web.NewServer(store, sink, logger).ListenAndServe(ctx, addr)
}
