package batch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/imgbatch/errors"
	"github.com/teranos/imgbatch/logger"
	"github.com/teranos/imgbatch/pulse/async"
)

// TaskQueue accepts item tasks inside the batch transaction and announces
// them once committed. *async.Queue satisfies it.
type TaskQueue interface {
	EnqueueTx(ctx context.Context, tx *sql.Tx, job *async.Job) error
	Announce(jobs ...*async.Job)
}

// IngestResult describes what an ingestion created
type IngestResult struct {
	BatchID   string `json:"batchId"`
	ItemCount int    `json:"itemCount"`
	Dropped   int    `json:"dropped"`
}

// Ingestor turns a set of descriptors into a batch, its items and one task per item
type Ingestor struct {
	store BatchStore
	queue TaskQueue
	log   *zap.SugaredLogger
}

// NewIngestor creates an ingestor. The queue handle is owned by the caller.
func NewIngestor(store BatchStore, queue TaskQueue, log *zap.SugaredLogger) *Ingestor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ingestor{store: store, queue: queue, log: log}
}

// Ingest creates a batch and returns its id
func (in *Ingestor) Ingest(ctx context.Context, target string, descriptors []Descriptor) (string, error) {
	result, err := in.IngestDetailed(ctx, target, descriptors)
	if err != nil {
		return "", err
	}
	return result.BatchID, nil
}

// IngestDetailed validates descriptors and persists the batch, one pending
// item per valid descriptor and one task per item, in a single transaction.
// Invalid descriptors are dropped; ordinals count valid descriptors only.
func (in *Ingestor) IngestDetailed(ctx context.Context, target string, descriptors []Descriptor) (*IngestResult, error) {
	valid := make([]Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if n, ok := d.normalize(); ok {
			valid = append(valid, n)
		}
	}
	dropped := len(descriptors) - len(valid)
	if len(valid) == 0 {
		return nil, errors.WithDetail(ErrNoValidItems,
			fmt.Sprintf("Descriptors: %d, all dropped by validation", len(descriptors)))
	}

	now := time.Now().UTC()
	b := &Batch{
		ID:                 uuid.NewString(),
		NotificationTarget: target,
		Status:             BatchPending,
		ItemCount:          len(valid),
		NotifyState:        NotifyPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	items := make([]*Item, len(valid))
	for i, d := range valid {
		items[i] = &Item{
			BatchID:   b.ID,
			Ordinal:   i + 1,
			Label:     d.Label,
			Inputs:    d.Inputs,
			Outputs:   []string{},
			Status:    ItemPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	jobs := make([]*async.Job, len(items))
	for i, item := range items {
		job, err := async.NewJobWithPayload(HandlerName, b.ID, TaskPayload{
			BatchID: item.BatchID,
			Ordinal: item.Ordinal,
			Label:   item.Label,
			Inputs:  item.Inputs,
		}, len(item.Inputs))
		if err != nil {
			return nil, err
		}
		jobs[i] = job
	}

	log := logger.BatchLogger(in.log, b.ID, 0)

	err := in.store.CreateBatch(ctx, b, items, func(tx *sql.Tx) error {
		for i, job := range jobs {
			if err := in.queue.EnqueueTx(ctx, tx, job); err != nil {
				log.Errorw("Failed to enqueue item task",
					logger.FieldOrdinal, items[i].Ordinal,
					logger.FieldError, err)
				return errors.Wrapf(err, "failed to enqueue item %d", items[i].Ordinal)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to persist batch")
	}
	in.queue.Announce(jobs...)

	log.Infow("Batch ingested",
		logger.FieldCount, len(items),
		logger.FieldDropped, dropped,
		logger.FieldTarget, target)

	return &IngestResult{BatchID: b.ID, ItemCount: len(items), Dropped: dropped}, nil
}
