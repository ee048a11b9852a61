package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/imgbatch/errors"
	"github.com/teranos/imgbatch/imageproc"
	"github.com/teranos/imgbatch/logger"
	"github.com/teranos/imgbatch/pulse/async"
)

// ImageProcessor fetches and transforms one input, returning the output reference
type ImageProcessor interface {
	Process(ctx context.Context, ref imageproc.Ref) (string, error)
}

// Settler is told about every finished item attempt
type Settler interface {
	OnItemSettled(ctx context.Context, batchID string) (Outcome, error)
}

// Processor is the async.JobHandler for item tasks
type Processor struct {
	store       Store
	images      ImageProcessor
	settler     Settler
	parallelism int
	log         *zap.SugaredLogger
}

// NewProcessor creates the item task handler. parallelism bounds concurrent
// inputs within one item; values below 1 mean one at a time.
func NewProcessor(store Store, images ImageProcessor, settler Settler, parallelism int, log *zap.SugaredLogger) *Processor {
	if parallelism < 1 {
		parallelism = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Processor{
		store:       store,
		images:      images,
		settler:     settler,
		parallelism: parallelism,
		log:         log,
	}
}

// Name returns the handler name item tasks are queued under
func (p *Processor) Name() string {
	return HandlerName
}

// Execute processes one item: every input is fetched and transformed, the
// item is written exactly once, then the coordinator re-evaluates the batch.
func (p *Processor) Execute(ctx context.Context, job *async.Job) error {
	var task TaskPayload
	if err := job.DecodePayload(&task); err != nil {
		return async.Permanent(err)
	}
	if err := task.Validate(); err != nil {
		return async.Permanent(err)
	}

	log := logger.BatchLogger(p.log, task.BatchID, task.Ordinal).With(logger.FieldJobID, job.ID)

	item, err := p.store.GetItem(ctx, task.BatchID, task.Ordinal)
	if errors.Is(err, ErrItemNotFound) {
		return async.Permanent(err)
	}
	if err != nil {
		return err
	}

	if item.Status.IsResolved() {
		// Redelivery after the write succeeded; only the completion check is left
		log.Debugw("Item already resolved", logger.FieldStatus, item.Status)
		return p.settle(ctx, task.BatchID, log)
	}

	if err := p.store.MarkBatchProcessing(ctx, task.BatchID); err != nil {
		log.Warnw("Failed to mark batch processing", logger.FieldError, err)
	}

	start := time.Now()
	outputs, failures := p.processInputs(ctx, task, log)
	if ctx.Err() != nil {
		// Shutdown mid-item; leave it pending for the next delivery
		return ctx.Err()
	}

	var writeErr error
	if len(outputs) > 0 {
		writeErr = p.store.CompleteItem(ctx, task.BatchID, task.Ordinal, outputs)
	} else {
		writeErr = p.store.FailItem(ctx, task.BatchID, task.Ordinal, strings.Join(failures, "; "))
	}
	if writeErr != nil {
		log.Errorw("Failed to record item result", logger.FieldError, writeErr)
	} else {
		log.Infow("Item processed",
			logger.FieldInputs, len(task.Inputs),
			logger.FieldOutputs, len(outputs),
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	}

	return errors.CombineErrors(writeErr, p.settle(ctx, task.BatchID, log))
}

func (p *Processor) settle(ctx context.Context, batchID string, log *zap.SugaredLogger) error {
	outcome, err := p.settler.OnItemSettled(ctx, batchID)
	if err != nil {
		log.Errorw("Completion check failed", logger.FieldError, err)
		return errors.Wrap(err, "completion check failed")
	}
	log.Debugw("Completion check", "outcome", outcome)
	return nil
}

// processInputs runs every input, never stopping at a failure. Outputs keep
// input order; failed inputs leave no output and one failure message.
func (p *Processor) processInputs(ctx context.Context, task TaskPayload, log *zap.SugaredLogger) (outputs []string, failures []string) {
	results := make([]string, len(task.Inputs))
	errs := make([]error, len(task.Inputs))

	var g errgroup.Group
	g.SetLimit(p.parallelism)
	for i, input := range task.Inputs {
		g.Go(func() error {
			errs[i] = p.processOne(ctx, imageproc.Ref{
				BatchID: task.BatchID,
				Ordinal: task.Ordinal,
				Index:   i,
				URL:     input,
			}, &results[i])
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			errCtx := async.ClassifyError("process", err)
			log.Warnw("Input failed",
				append(errCtx.Fields(), logger.FieldURL, task.Inputs[i])...)
			failures = append(failures, fmt.Sprintf("%s: %s", task.Inputs[i], errCtx.Code))
			continue
		}
		outputs = append(outputs, results[i])
	}
	return outputs, failures
}

// processOne isolates a panicking processor to its own input
func (p *Processor) processOne(ctx context.Context, ref imageproc.Ref, out *string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithStack(&async.PanicError{Value: r})
		}
	}()
	result, err := p.images.Process(ctx, ref)
	if err != nil {
		return err
	}
	if result == "" {
		return errors.Newf("no output produced for %s", ref.URL)
	}
	*out = result
	return nil
}
