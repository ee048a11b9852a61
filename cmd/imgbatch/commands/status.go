package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/imgbatch/batch"
	"github.com/teranos/imgbatch/errors"
)

// StatusCmd shows the status of a batch
var StatusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "Show the status of a batch",
	Long:  "Show batch progress and per-item outputs. Items without outputs show Pending.",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var (
	statusJSON   bool
	statusDBPath string
)

func init() {
	StatusCmd.Flags().BoolVarP(&statusJSON, "json", "j", false, "Print the status report as JSON")
	StatusCmd.Flags().StringVar(&statusDBPath, "db-path", "", "Database path (overrides database.path)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(statusDBPath)
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	rep, err := batch.NewStatusReader(batch.NewSQLStore(database)).Status(context.Background(), args[0])
	if err != nil {
		return err
	}

	if statusJSON {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode status")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	return renderStatus(cmd.OutOrStdout(), rep)
}

// renderStatus prints a summary line and one table row per item
func renderStatus(w io.Writer, rep *batch.StatusReport) error {
	fmt.Fprintf(w, "Batch %s: %s, notification %s\n", rep.BatchID, rep.Status, rep.NotifyState)
	fmt.Fprintf(w, "Processed %d/%d, resolved %d/%d\n\n",
		rep.ProcessedImages, rep.TotalImages, rep.ResolvedImages, rep.TotalImages)

	data := pterm.TableData{{"#", "Product", "Status", "Inputs", "Outputs"}}
	for _, img := range rep.Images {
		data = append(data, []string{
			strconv.Itoa(img.SerialNumber),
			img.ProductName,
			string(img.Status),
			strings.Join(img.InputImages, "\n"),
			strings.Join(img.OutputImages, "\n"),
		})
	}

	rendered, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render status table")
	}
	fmt.Fprintln(w, rendered)
	return nil
}
