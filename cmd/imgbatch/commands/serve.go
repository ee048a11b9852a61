package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/imgbatch/errors"
	"github.com/teranos/imgbatch/logger"
	"github.com/teranos/imgbatch/server"
)

// ServeCmd starts the HTTP API, with in-process workers by default
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the imgbatch HTTP API",
	Long: `Start the HTTP API: manifest upload, batch status, report download,
notification retry, queue stats and live batch updates over websocket.

Workers run in the same process unless --no-workers is set, in which case
run 'imgbatch worker' separately against the same database.`,
	RunE: runServe,
}

var (
	servePort      int
	serveNoWorkers bool
	serveDBPath    string
)

func init() {
	ServeCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides server.port)")
	ServeCmd.Flags().BoolVar(&serveNoWorkers, "no-workers", false, "Serve the API only; tasks are processed by 'imgbatch worker'")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Database path (overrides database.path)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := openRuntime(ctx, serveDBPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	if servePort > 0 {
		rt.cfg.Server.Port = servePort
	}

	deps := server.Deps{Store: rt.store, Queue: rt.queue, Coordinator: rt.coordinator}
	if !serveNoWorkers {
		deps.Pool = rt.pool
		deps.Sweeper = rt.sweeper
		stopSweeper := rt.startSweeper()
		defer stopSweeper()
	}
	srv, err := server.New(rt.cfg, deps, logger.ComponentLogger("server"))
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	workers := 0
	if deps.Pool != nil {
		workers = deps.Pool.Workers()
	}
	printStartupBanner(rt.cfg, workers)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrap(err, "server stopped")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			shutdownDone <- srv.Stop(stopCtx)
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
