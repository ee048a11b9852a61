// Package notify delivers batch reports to notification targets.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/teranos/imgbatch/am"
	"github.com/teranos/imgbatch/errors"
	"github.com/teranos/imgbatch/internal/httpclient"
)

const (
	// FormField is the multipart field carrying the report
	FormField = "file"

	// BatchIDHeader names the batch on every delivery
	BatchIDHeader = "X-Imgbatch-Batch-ID"
)

// WebhookNotifier POSTs the report as multipart/form-data
type WebhookNotifier struct {
	client *httpclient.SaferClient
}

// NewWebhookNotifier creates a notifier. Private targets follow the fetch
// section's allow_private_networks setting.
func NewWebhookNotifier(cfg *am.Config) *WebhookNotifier {
	return NewWebhookNotifierWithClient(httpclient.New(cfg.NotifyTimeout(), httpclient.Options{
		AllowPrivateNetworks: cfg.Fetch.AllowPrivateNetworks,
		MaxResponseBytes:     64 * 1024,
	}))
}

// NewWebhookNotifierWithClient creates a notifier over an existing client
func NewWebhookNotifierWithClient(client *httpclient.SaferClient) *WebhookNotifier {
	return &WebhookNotifier{client: client}
}

// FileName is the attachment name for a batch report
func FileName(batchID string) string {
	return fmt.Sprintf("status_%s.csv", batchID)
}

// Notify sends report to target. Any non-2xx response is an error.
func (n *WebhookNotifier) Notify(ctx context.Context, target, batchID string, report []byte) error {
	if _, err := n.client.ValidateURL(target); err != nil {
		return errors.Wrap(err, "invalid notification target")
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile(FormField, FileName(batchID))
	if err != nil {
		return errors.Wrap(err, "failed to create form file")
	}
	if _, err := part.Write(report); err != nil {
		return errors.Wrap(err, "failed to write report to form")
	}
	if err := form.Close(); err != nil {
		return errors.Wrap(err, "failed to close form")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &body)
	if err != nil {
		return errors.Wrap(err, "failed to build notification request")
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set(BatchIDHeader, batchID)

	start := time.Now()
	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "notification to %s failed", target)
	}
	// Drain so the connection can be reused; the body only matters for errors
	respBody, _ := n.client.ReadBody(resp)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		err := errors.Newf("notification to %s: unexpected status %d", target, resp.StatusCode)
		err = errors.WithDetailf(err, "Batch: %s", batchID)
		err = errors.WithDetailf(err, "Elapsed: %s", time.Since(start).Round(time.Millisecond))
		if len(respBody) > 0 {
			err = errors.WithDetail(err, "Response: "+truncate(string(respBody), 512))
		}
		return err
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
