package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// WorkerCmd runs queue workers without the HTTP API
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued image tasks",
	Long: `Run the worker pool against the configured database until interrupted.

Several worker processes may share one database: tasks are claimed with a
conditional update and each batch is notified at most once.`,
	RunE: runWorker,
}

var (
	workerDBPath string
	workerDrain  bool
)

func init() {
	WorkerCmd.Flags().StringVar(&workerDBPath, "db-path", "", "Database path (overrides database.path)")
	WorkerCmd.Flags().BoolVar(&workerDrain, "drain", false, "Process queued tasks until the queue is empty, then exit")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := openRuntime(ctx, workerDBPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	if workerDrain {
		n, err := rt.pool.Drain(ctx)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Processed %d task(s)", n)

		outcomes, err := rt.coordinator.Sweep(ctx, rt.store)
		if err != nil {
			return err
		}
		if len(outcomes) > 0 {
			pterm.Info.Printfln("Re-checked unsettled batches: %v", outcomes)
		}
		return nil
	}

	pterm.Info.Printfln("Starting %d worker(s) on %s", rt.pool.Workers(), rt.cfg.Database.Path)
	rt.pool.Start()
	stopSweeper := rt.startSweeper()
	<-ctx.Done()

	stopSweeper()

	pterm.Info.Println("Stopping workers...")
	rt.pool.Stop()
	pterm.Success.Println("Workers stopped")
	return nil
}
