// Package batch implements the fan-out / fan-in pipeline: a batch of items is
// ingested, each item becomes one queued task, workers process tasks
// concurrently, and the Coordinator emits the summary report and the
// notification once every item of the batch is resolved.
package batch

import (
	"strings"
	"time"

	"github.com/teranos/imgbatch/errors"
)

// HandlerName routes queued item tasks to the Processor
const HandlerName = "imgbatch.process-item"

var (
	// ErrNoValidItems is returned by the Ingestor when validation leaves nothing to process
	ErrNoValidItems = errors.Wrap(errors.ErrInvalidRequest, "no valid items")

	// ErrBatchNotFound is returned for unknown batch ids and batches without items
	ErrBatchNotFound = errors.Wrap(errors.ErrNotFound, "batch not found")

	// ErrItemNotFound is returned when (batch_id, ordinal) has no row
	ErrItemNotFound = errors.Wrap(errors.ErrNotFound, "item not found")
)

// ItemStatus is the processing state of one item
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// IsResolved reports whether the item counts toward batch resolution
func (s ItemStatus) IsResolved() bool {
	return s == ItemCompleted || s == ItemFailed
}

// BatchStatus mirrors the aggregate state of a batch's items
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// NotifyState tracks the once-per-batch report and notification.
//
//	pending -> claimed -> delivered | failed | skipped
//
// Only a caller that moves the row out of pending (or out of a claim whose
// lease expired) may generate the report and deliver it.
type NotifyState string

const (
	NotifyPending   NotifyState = "pending"
	NotifyClaimed   NotifyState = "claimed"
	NotifyDelivered NotifyState = "delivered"
	NotifyFailed    NotifyState = "failed"
	NotifySkipped   NotifyState = "skipped"
)

// IsFinal reports whether the notification sequence has run to an end
func (s NotifyState) IsFinal() bool {
	return s == NotifyDelivered || s == NotifyFailed || s == NotifySkipped
}

// Item is one unit of work within a batch
type Item struct {
	BatchID   string     `json:"batch_id"`
	Ordinal   int        `json:"ordinal"`
	Label     string     `json:"label"`
	Inputs    []string   `json:"inputs"`
	Outputs   []string   `json:"outputs"`
	Status    ItemStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Batch is one ingestion request
type Batch struct {
	ID                 string      `json:"id"`
	NotificationTarget string      `json:"notification_target,omitempty"`
	Status             BatchStatus `json:"status"`
	ItemCount          int         `json:"item_count"`
	NotifyState        NotifyState `json:"notify_state"`
	NotifyClaimedAt    *time.Time  `json:"notify_claimed_at,omitempty"`
	NotifiedAt         *time.Time  `json:"notified_at,omitempty"`
	NotifyError        string      `json:"notify_error,omitempty"`
	NotifyAttempts     int         `json:"notify_attempts"`
	ReportPath         string      `json:"report_path,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Descriptor is an unvalidated item as described by the caller
type Descriptor struct {
	Label  string   `json:"label"`
	Inputs []string `json:"inputs"`
}

// normalize trims the label and inputs and drops blank inputs.
// ok is false when the descriptor cannot become an item.
func (d Descriptor) normalize() (Descriptor, bool) {
	out := Descriptor{Label: strings.TrimSpace(d.Label)}
	for _, in := range d.Inputs {
		if in = strings.TrimSpace(in); in != "" {
			out.Inputs = append(out.Inputs, in)
		}
	}
	return out, out.Label != "" && len(out.Inputs) > 0
}

// TaskPayload is the queued representation of "process this item"
type TaskPayload struct {
	BatchID string   `json:"batch_id"`
	Ordinal int      `json:"ordinal"`
	Label   string   `json:"label"`
	Inputs  []string `json:"inputs"`
}

// Validate rejects payloads no amount of retrying could process
func (p TaskPayload) Validate() error {
	switch {
	case p.BatchID == "":
		return errors.New("task payload missing batch_id")
	case p.Ordinal < 1:
		return errors.Newf("task payload has invalid ordinal %d", p.Ordinal)
	case len(p.Inputs) == 0:
		return errors.Newf("task payload for %s/%d has no inputs", p.BatchID, p.Ordinal)
	}
	return nil
}

// resolution counts the resolved and completed items of a batch
func resolution(items []*Item) (resolved, completed int) {
	for _, item := range items {
		if item.Status.IsResolved() {
			resolved++
		}
		if item.Status == ItemCompleted {
			completed++
		}
	}
	return resolved, completed
}
