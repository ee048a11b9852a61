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
	"github.com/teranos/imgbatch/watch"
)

// WatchCmd ingests manifests dropped into a directory
var WatchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Ingest CSV manifests dropped into a directory",
	Long: `Watch a directory and ingest every CSV manifest written into it.

Handled files move to <dir>/done, unusable ones to <dir>/rejected next to a
.error note. Files already in the directory are picked up on start. Workers
run in the same process unless --no-workers is set.

Examples:
  imgbatch watch ./inbox --webhook https://hooks.example/done
  imgbatch watch ./inbox --pattern 'products-*.csv' --no-workers`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	watchWebhook   string
	watchPattern   string
	watchDebounce  time.Duration
	watchNoWorkers bool
	watchDBPath    string
)

func init() {
	WatchCmd.Flags().StringVarP(&watchWebhook, "webhook", "w", "", "URL notified with each batch report")
	WatchCmd.Flags().StringVar(&watchPattern, "pattern", "*.csv", "Glob matched against dropped file names")
	WatchCmd.Flags().DurationVar(&watchDebounce, "settle", 500*time.Millisecond, "Quiet period after the last write before a file is read")
	WatchCmd.Flags().BoolVar(&watchNoWorkers, "no-workers", false, "Only ingest; tasks are processed by 'imgbatch worker'")
	WatchCmd.Flags().StringVar(&watchDBPath, "db-path", "", "Database path (overrides database.path)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := openRuntime(ctx, watchDBPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	w, err := watch.New(watch.Config{Dir: args[0], Pattern: watchPattern, Debounce: watchDebounce},
		manifestHandler(rt, watchWebhook), logger.ComponentLogger("watch"))
	if err != nil {
		return err
	}

	if !watchNoWorkers {
		rt.pool.Start()
		defer rt.pool.Stop()
		stopSweeper := rt.startSweeper()
		defer stopSweeper()
	}

	pterm.Info.Printfln("Watching %s for %s (Ctrl+C to stop)", args[0], watchPattern)
	if err := w.Run(ctx); err != nil {
		return err
	}

	handled, rejected := w.Stats()
	pterm.Success.Printfln("Stopped watching: %d manifest(s) ingested, %d rejected", handled, rejected)
	return nil
}

// manifestHandler ingests one dropped manifest as a batch
func manifestHandler(rt *runtime, webhook string) watch.Handler {
	log := logger.ComponentLogger("watch")
	return func(ctx context.Context, path string) error {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "failed to open manifest %s", path)
		}
		defer f.Close()

		result, err := ingestManifest(ctx, rt, f, webhook)
		if err != nil {
			return err
		}
		log.Infow("Ingested dropped manifest",
			"file", path,
			logger.FieldBatchID, result.BatchID,
			"items", result.ItemCount,
			"dropped", result.Dropped)
		return nil
	}
}
