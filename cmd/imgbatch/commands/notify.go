package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/imgbatch/batch"
)

// NotifyCmd retries a failed notification
var NotifyCmd = &cobra.Command{
	Use:   "notify <batch-id>",
	Short: "Retry a failed batch notification",
	Long: `Re-arm a batch whose webhook delivery failed and run the completion check
again. Delivered and skipped batches are never sent twice.`,
	Args: cobra.ExactArgs(1),
	RunE: runNotify,
}

var notifyDBPath string

func init() {
	NotifyCmd.Flags().StringVar(&notifyDBPath, "db-path", "", "Database path (overrides database.path)")
}

func runNotify(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rt, err := openRuntime(ctx, notifyDBPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	outcome, err := rt.coordinator.Retry(ctx, args[0])
	if err != nil {
		return err
	}

	switch outcome {
	case batch.OutcomeDelivered:
		pterm.Success.Printfln("Report for %s delivered", args[0])
	case batch.OutcomeDeliveryFailed:
		pterm.Error.Printfln("Delivery for %s failed again; see logs", args[0])
	case batch.OutcomeNotResolved:
		pterm.Info.Printfln("Batch %s still has unresolved items", args[0])
	default:
		pterm.Info.Printfln("Batch %s: %s", args[0], outcome)
	}
	return nil
}
