package batch

import (
	"context"
	"time"

	"github.com/teranos/imgbatch/errors"
	"github.com/teranos/imgbatch/logger"
)

// UnsettledLister finds resolved batches still waiting for their notification
type UnsettledLister interface {
	ListUnsettled(ctx context.Context, limit int) ([]string, error)
}

// SweepLimit caps how many batches one sweep re-checks
const SweepLimit = 100

// Sweep finishes the notification sequence of resolved batches nobody is
// working on. Pending batches get the completion check again. Claims older
// than the lease, such as one left behind by a crashed process, are marked
// failed with ClaimExpiredError instead of being sent again.
func (c *Coordinator) Sweep(ctx context.Context, lister UnsettledLister) (map[Outcome]int, error) {
	ids, err := lister.ListUnsettled(ctx, SweepLimit)
	if err != nil {
		return nil, err
	}

	outcomes := make(map[Outcome]int)
	var sweepErr error
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		expired, err := c.expireClaim(ctx, id)
		if err != nil {
			sweepErr = errors.CombineErrors(sweepErr, errors.Wrapf(err, "sweep %s", id))
			continue
		}
		if expired {
			outcomes[OutcomeClaimExpired]++
			continue
		}
		outcome, err := c.OnItemSettled(ctx, id)
		if err != nil {
			sweepErr = errors.CombineErrors(sweepErr, errors.Wrapf(err, "sweep %s", id))
			continue
		}
		outcomes[outcome]++
	}
	if len(ids) > 0 {
		c.log.Debugw("Swept unsettled batches", "batches", len(ids), "outcomes", outcomes)
	}
	return outcomes, sweepErr
}

func (c *Coordinator) expireClaim(ctx context.Context, batchID string) (bool, error) {
	unlock := c.locks.Lock(batchID)
	defer unlock()

	expired, err := c.store.ExpireNotificationClaim(ctx, batchID, time.Now().UTC().Add(-c.cfg.ClaimLease))
	if err != nil || !expired {
		return false, err
	}
	logger.BatchLogger(c.log, batchID, 0).Warnw("Notification claim expired, delivery outcome unknown",
		"lease", c.cfg.ClaimLease,
		"hint", "retry the notification once the target is checked")
	return true, nil
}

// SweepTask adapts Sweep to a periodic task signature
func (c *Coordinator) SweepTask(lister UnsettledLister) func(ctx context.Context, now time.Time) error {
	return func(ctx context.Context, now time.Time) error {
		_, err := c.Sweep(ctx, lister)
		return err
	}
}
