package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/imgbatch/batch"
	"github.com/teranos/imgbatch/db"
	"github.com/teranos/imgbatch/errors"
	"github.com/teranos/imgbatch/pulse/async"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the imgbatch database",
	Long: `Manage the imgbatch database.

Examples:
  imgbatch db migrate                     # Apply pending migrations
  imgbatch db migrate --dry-run           # List what would be applied
  imgbatch db stats                       # Task and batch counts
  imgbatch db cleanup --older-than 720h   # Drop finished batches and tasks`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task queue and batch counts",
	RunE:  runDbStats,
}

var dbCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished tasks and notified batches",
	Long: `Delete finished tasks and batches whose notification sequence finished
(delivered, failed or skipped) before the cutoff. Batches still in flight
are never removed.`,
	RunE: runDbCleanup,
}

var (
	dbPathFlag       string
	cleanupOlderThan time.Duration
	migrateDryRun    bool
)

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Database path (overrides database.path)")
	dbMigrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "List pending migrations without applying them")
	dbCleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour, "Only delete rows older than this")

	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbCleanupCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(dbPathFlag)
	if err != nil {
		return err
	}

	if migrateDryRun {
		database, err := db.Open(cfg.Database.Path, nil)
		if err != nil {
			return err
		}
		defer database.Close()

		pending, err := db.Pending(database)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			pterm.Success.Printfln("%s is up to date", cfg.Database.Path)
			return nil
		}
		for _, m := range pending {
			pterm.Info.Printfln("Would apply %s", m.Name)
		}
		return nil
	}

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return errors.Newf("no migrations recorded in %s", cfg.Database.Path)
	}
	pterm.Success.Printfln("%s is at migration %s (%d applied)", cfg.Database.Path, versions[len(versions)-1], len(versions))
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(dbPathFlag)
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := async.NewQueue(database).GetStats()
	if err != nil {
		return err
	}
	batches, err := batch.NewSQLStore(database).ListBatches(context.Background(), 1000)
	if err != nil {
		return err
	}

	byState := map[batch.NotifyState]int{}
	for _, b := range batches {
		byState[b.NotifyState]++
	}
	var states []string
	for _, s := range []batch.NotifyState{batch.NotifyPending, batch.NotifyClaimed, batch.NotifyDelivered, batch.NotifyFailed, batch.NotifySkipped} {
		states = append(states, fmt.Sprintf("%s=%d", s, byState[s]))
	}

	return pterm.DefaultTable.WithData(pterm.TableData{
		{"Database", cfg.Database.Path},
		{"Tasks", fmt.Sprintf("queued=%d running=%d completed=%d failed=%d cancelled=%d",
			stats.Queued, stats.Running, stats.Completed, stats.Failed, stats.Cancelled)},
		{"Batches (latest 1000)", fmt.Sprintf("%d", len(batches))},
		{"Notifications", strings.Join(states, " ")},
	}).Render()
}

func runDbCleanup(cmd *cobra.Command, args []string) error {
	if cleanupOlderThan <= 0 {
		return errors.New("--older-than must be positive")
	}

	cfg, err := loadConfig(dbPathFlag)
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := async.NewQueue(database).Cleanup(cleanupOlderThan)
	if err != nil {
		return err
	}
	batches, err := batch.NewSQLStore(database).DeleteBatchesBefore(context.Background(), time.Now().UTC().Add(-cleanupOlderThan))
	if err != nil {
		return err
	}

	pterm.Success.Printfln("Deleted %d task(s) and %d batch(es) older than %s", jobs, batches, cleanupOlderThan)
	return nil
}
