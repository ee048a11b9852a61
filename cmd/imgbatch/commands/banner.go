package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/teranos/imgbatch/am"
	"github.com/teranos/imgbatch/imageproc"
	"github.com/teranos/imgbatch/version"
)

// printStartupBanner prints the effective settings before the server starts
func printStartupBanner(cfg *am.Config, workers int) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Printf("imgbatch %s", info.Short())

	workerDesc := fmt.Sprintf("%d (item parallelism %d)", workers, cfg.Pulse.ItemParallelism)
	if workers == 0 {
		workerDesc = "none (run 'imgbatch worker')"
	}

	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Listen", cfg.ListenAddr()},
		{"Database", cfg.Database.Path},
		{"Workers", workerDesc},
		{"Outputs", fmt.Sprintf("%s -> %s%s", cfg.Output.Dir, strings.TrimRight(cfg.Server.PublicBaseURL, "/"), imageproc.OutputsPath)},
		{"Reports", cfg.Reports.Dir},
		{"Built", info.BuildTime},
	}).Render()

	pterm.Println()
	pterm.Info.Println("POST /api/upload?webhook=<url> with a CSV in field 'file' to start a batch")
	pterm.Info.Println("Press Ctrl+C to stop")
	pterm.Println()
}
