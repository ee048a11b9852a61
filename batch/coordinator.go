package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/imgbatch/am"
	"github.com/teranos/imgbatch/batch/report"
	"github.com/teranos/imgbatch/errors"
	"github.com/teranos/imgbatch/logger"
)

// Notifier delivers a batch report to its notification target
type Notifier interface {
	Notify(ctx context.Context, target, batchID string, report []byte) error
}

// Outcome says what one OnItemSettled call did
type Outcome string

const (
	OutcomeNotResolved     Outcome = "not_resolved"     // items still outstanding
	OutcomeAlreadyClaimed  Outcome = "already_claimed"  // another caller holds the claim
	OutcomeAlreadyNotified Outcome = "already_notified" // notification sequence already ran
	OutcomeDelivered       Outcome = "delivered"        // report sent
	OutcomeSkipped         Outcome = "skipped"          // resolved, no target to notify
	OutcomeDeliveryFailed  Outcome = "delivery_failed"  // report written, send failed
	OutcomeClaimExpired    Outcome = "claim_expired"    // claim outlived its lease, marked failed
)

// finishAttempts bounds how often the outcome of a send is written before
// the claim is left for the sweep to expire
const finishAttempts = 4

// CoordinatorConfig controls report output and claim expiry
type CoordinatorConfig struct {
	// ReportsDir receives <batchID>.csv. Empty keeps reports in memory only.
	ReportsDir string

	// ClaimLease is how long a claim may stay unfinished before the sweep
	// marks it failed with an unknown delivery outcome
	ClaimLease time.Duration

	// FinishBackoff is the first pause between attempts to record an outcome
	FinishBackoff time.Duration
}

// CoordinatorConfigFromConfig maps the reports and notify sections
func CoordinatorConfigFromConfig(cfg *am.Config) CoordinatorConfig {
	return CoordinatorConfig{
		ReportsDir: cfg.Reports.Dir,
		ClaimLease: cfg.ClaimLease(),
	}
}

// Coordinator detects batch resolution and emits the report and the
// notification at most once per batch.
//
// Concurrent local callers for the same batch queue on a per-batch mutex.
// Callers in other processes race on the notify_state compare-and-set,
// which only one of them can win. A claim is never taken over: once it
// outlives its lease the sweep marks it failed, and only Retry sends again.
type Coordinator struct {
	store    Store
	notifier Notifier
	cfg      CoordinatorConfig
	locks    *keyedMutex
	log      *zap.SugaredLogger
}

// NewCoordinator creates a coordinator
func NewCoordinator(store Store, notifier Notifier, cfg CoordinatorConfig, log *zap.SugaredLogger) *Coordinator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	if cfg.FinishBackoff <= 0 {
		cfg.FinishBackoff = 100 * time.Millisecond
	}
	return &Coordinator{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		log:      log,
	}
}

// OnItemSettled re-evaluates batchID after an item attempt finished.
// Safe to call concurrently and redundantly.
func (c *Coordinator) OnItemSettled(ctx context.Context, batchID string) (Outcome, error) {
	unlock := c.locks.Lock(batchID)
	defer unlock()

	log := logger.BatchLogger(c.log, batchID, 0)

	b, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	if b.NotifyState.IsFinal() {
		return OutcomeAlreadyNotified, nil
	}

	items, err := c.store.ListItems(ctx, batchID)
	if err != nil {
		return "", err
	}
	resolved, completed := resolution(items)
	if resolved < b.ItemCount {
		log.Debugw("Batch not resolved yet",
			logger.FieldResolved, resolved,
			logger.FieldTotal, b.ItemCount)
		return OutcomeNotResolved, nil
	}

	status := BatchCompleted
	if completed == 0 {
		status = BatchFailed
	}
	if b.Status != status {
		if err := c.store.SetBatchStatus(ctx, batchID, status); err != nil {
			return "", err
		}
	}

	attempt, won, err := c.store.ClaimNotification(ctx, batchID)
	if err != nil {
		return "", err
	}
	if !won {
		log.Debugw("Notification already claimed")
		return OutcomeAlreadyClaimed, nil
	}

	artifact, reportPath, err := c.writeReport(batchID, items)
	if err != nil {
		log.Errorw("Report generation failed, releasing claim", logger.FieldError, err)
		if relErr := c.store.ReleaseNotification(ctx, batchID, attempt, err.Error()); relErr != nil {
			log.Errorw("Failed to release notification claim", logger.FieldError, relErr)
			err = errors.CombineErrors(err, relErr)
		}
		return "", err
	}

	if b.NotificationTarget == "" {
		log.Infow("Batch resolved, no notification target",
			logger.FieldStatus, status, "report", reportPath)
		return OutcomeSkipped, c.finish(ctx, log, batchID, attempt, NotifySkipped, reportPath, "")
	}

	start := time.Now()
	sendErr := c.notifier.Notify(ctx, b.NotificationTarget, batchID, artifact)
	if sendErr != nil {
		log.Errorw("Notification delivery failed",
			logger.FieldTarget, b.NotificationTarget,
			logger.FieldError, sendErr)
		if err := c.finish(ctx, log, batchID, attempt, NotifyFailed, reportPath, sendErr.Error()); err != nil {
			return "", err
		}
		return OutcomeDeliveryFailed, nil
	}

	log.Infow("Batch resolved and notified",
		logger.FieldStatus, status,
		logger.FieldTarget, b.NotificationTarget,
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	if err := c.finish(ctx, log, batchID, attempt, NotifyDelivered, reportPath, ""); err != nil {
		log.Errorw("Report delivered but the outcome was not recorded", logger.FieldError, err)
		return OutcomeDelivered, err
	}
	return OutcomeDelivered, nil
}

// finish records the outcome of claim attempt, retrying transient store
// errors with a doubling pause. The send has already happened, so
// cancellation of ctx does not stop the write.
func (c *Coordinator) finish(ctx context.Context, log *zap.SugaredLogger, batchID string, attempt int, state NotifyState, reportPath, notifyErr string) error {
	ctx = context.WithoutCancel(ctx)
	wait := c.cfg.FinishBackoff
	for try := 1; ; try++ {
		err := c.store.FinishNotification(ctx, batchID, attempt, state, reportPath, notifyErr)
		if err == nil || errors.Is(err, errors.ErrConflict) || try == finishAttempts {
			return err
		}
		log.Warnw("Failed to record notification outcome, retrying",
			logger.FieldState, state,
			logger.FieldAttempt, try,
			logger.FieldError, err)
		time.Sleep(wait)
		wait *= 2
	}
}

// Retry re-arms a failed notification, including an expired claim, and runs
// the completion check again. Delivered and skipped batches are never sent twice.
func (c *Coordinator) Retry(ctx context.Context, batchID string) (Outcome, error) {
	reset, err := c.store.ResetNotification(ctx, batchID)
	if err != nil {
		return "", err
	}
	if !reset {
		b, err := c.store.GetBatch(ctx, batchID)
		if err != nil {
			return "", err
		}
		if b.NotifyState != NotifyPending {
			return "", errors.WithHint(
				errors.Wrapf(errors.ErrConflict, "notification for batch %s is %s", batchID, b.NotifyState),
				"only failed notifications can be retried")
		}
	}
	return c.OnItemSettled(ctx, batchID)
}

// writeReport renders the report and, with a reports dir configured, saves it
func (c *Coordinator) writeReport(batchID string, items []*Item) ([]byte, string, error) {
	artifact := report.Generate(ReportRows(items))
	if c.cfg.ReportsDir == "" {
		return artifact, "", nil
	}

	if err := os.MkdirAll(c.cfg.ReportsDir, am.DefaultDirPermissions); err != nil {
		return nil, "", errors.Wrapf(err, "failed to create reports dir %s", c.cfg.ReportsDir)
	}
	path := filepath.Join(c.cfg.ReportsDir, fmt.Sprintf("%s.csv", batchID))
	if err := os.WriteFile(path, artifact, am.DefaultFilePermissions); err != nil {
		return nil, "", errors.Wrapf(err, "failed to write report %s", path)
	}
	return artifact, path, nil
}

// ReportRows converts items to report rows
func ReportRows(items []*Item) []report.Row {
	rows := make([]report.Row, len(items))
	for i, item := range items {
		rows[i] = report.Row{
			SerialNumber: item.Ordinal,
			ProductName:  item.Label,
			Inputs:       item.Inputs,
			Outputs:      item.Outputs,
		}
	}
	return rows
}
