package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/imgbatch/batch"
	"github.com/teranos/imgbatch/errors"
)

// IngestCmd ingests a CSV manifest from disk
var IngestCmd = &cobra.Command{
	Use:   "ingest <manifest.csv>",
	Short: "Ingest a CSV manifest as a new batch",
	Long: `Create a batch from a CSV manifest with the columns
Serial Number, Product Name, Input Image Urls.

Rows with a non-numeric serial, an empty name or no URL are dropped. Without
--webhook the batch is still processed and reported, but nobody is notified.

Examples:
  imgbatch ingest products.csv --webhook https://hooks.example/done
  imgbatch ingest products.csv --process     # also process it right here`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

var (
	ingestWebhook string
	ingestProcess bool
	ingestJSON    bool
	ingestDBPath  string
)

func init() {
	IngestCmd.Flags().StringVarP(&ingestWebhook, "webhook", "w", "", "URL notified with the report once the batch resolves")
	IngestCmd.Flags().BoolVar(&ingestProcess, "process", false, "Process the queue in this process until it is empty")
	IngestCmd.Flags().BoolVarP(&ingestJSON, "json", "j", false, "Print the result as JSON")
	IngestCmd.Flags().StringVar(&ingestDBPath, "db-path", "", "Database path (overrides database.path)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	f, err := os.Open(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to open manifest %s", args[0])
	}
	defer f.Close()

	rt, err := openRuntime(ctx, ingestDBPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := ingestManifest(ctx, rt, f, ingestWebhook)
	if err != nil {
		return err
	}

	if ingestProcess {
		n, err := rt.pool.Drain(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to process batch")
		}
		if !ingestJSON {
			pterm.Info.Printfln("Processed %d task(s)", n)
		}
	}

	if ingestJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode result")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	pterm.Success.Printfln("Batch %s: %d item(s) queued, %d dropped", result.BatchID, result.ItemCount, result.Dropped)
	if !ingestProcess {
		pterm.Info.Printfln("Follow progress with: imgbatch status %s", result.BatchID)
	}
	return nil
}

// ingestManifest parses r and ingests it as one batch
func ingestManifest(ctx context.Context, rt *runtime, r io.Reader, webhook string) (*batch.IngestResult, error) {
	descriptors, err := batch.ParseManifest(r)
	if err != nil {
		return nil, err
	}
	return rt.ingestor().IngestDetailed(ctx, webhook, descriptors)
}
