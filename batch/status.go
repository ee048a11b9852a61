package batch

import (
	"context"

	"github.com/teranos/imgbatch/batch/report"
	"github.com/teranos/imgbatch/errors"
)

// StatusReport is the best-effort current state of a batch
type StatusReport struct {
	BatchID         string       `json:"batchId"`
	Status          BatchStatus  `json:"status"`
	NotifyState     NotifyState  `json:"notifyState"`
	TotalImages     int          `json:"totalImages"`
	ProcessedImages int          `json:"processedImages"`
	ResolvedImages  int          `json:"resolvedImages"`
	Images          []ItemReport `json:"images"`
}

// ItemReport is one item of a StatusReport
type ItemReport struct {
	SerialNumber int        `json:"serialNumber"`
	ProductName  string     `json:"productName"`
	InputImages  []string   `json:"inputImages"`
	OutputImages []string   `json:"outputImages"` // ["Pending"] until outputs exist
	Status       ItemStatus `json:"status"`
	Resolved     bool       `json:"resolved"`
}

// StatusReader builds status reports from the stores
type StatusReader struct {
	batches BatchStore
	items   ItemStore
}

// NewStatusReader creates a status reader
func NewStatusReader(store Store) *StatusReader {
	return &StatusReader{batches: store, items: store}
}

// Status reports on batchID. Unknown ids and batches without items return
// ErrBatchNotFound.
func (r *StatusReader) Status(ctx context.Context, batchID string) (*StatusReport, error) {
	b, err := r.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	items, err := r.items.ListItems(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.Wrapf(ErrBatchNotFound, "%s has no items", batchID)
	}

	rep := &StatusReport{
		BatchID:     b.ID,
		Status:      b.Status,
		NotifyState: b.NotifyState,
		TotalImages: len(items),
		Images:      make([]ItemReport, 0, len(items)),
	}
	for _, item := range items {
		outputs := item.Outputs
		if len(outputs) == 0 {
			outputs = []string{report.Pending}
		} else {
			rep.ProcessedImages++
		}
		resolved := item.Status.IsResolved()
		if resolved {
			rep.ResolvedImages++
		}
		rep.Images = append(rep.Images, ItemReport{
			SerialNumber: item.Ordinal,
			ProductName:  item.Label,
			InputImages:  item.Inputs,
			OutputImages: outputs,
			Status:       item.Status,
			Resolved:     resolved,
		})
	}
	return rep, nil
}
