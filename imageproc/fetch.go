// Package imageproc fetches source images, re-encodes them and stores the
// results where the HTTP boundary can serve them.
package imageproc

import (
	"context"
	"net/http"
	"time"

	"github.com/teranos/imgbatch/am"
	"github.com/teranos/imgbatch/errors"
	"github.com/teranos/imgbatch/internal/httpclient"
)

// Ref identifies one input of one item
type Ref struct {
	BatchID string
	Ordinal int
	Index   int // position among the item's inputs, 0-based
	URL     string
}

// Fetcher downloads source images through the SSRF-checked client
type Fetcher struct {
	client *httpclient.SaferClient
}

// NewFetcher creates a fetcher from the fetch section
func NewFetcher(cfg am.FetchConfig) *Fetcher {
	return &Fetcher{
		client: httpclient.New(time.Duration(cfg.TimeoutSeconds)*time.Second, httpclient.Options{
			AllowPrivateNetworks: cfg.AllowPrivateNetworks,
			RequestsPerSecond:    cfg.RequestsPerSecond,
			MaxResponseBytes:     cfg.MaxBytes,
		}),
	}
}

// Fetch returns the body of url. Non-2xx responses are errors.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := f.client.Get(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", url)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		resp.Body.Close()
		return nil, errors.Newf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	data, err := f.client.ReadBody(resp)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", url)
	}
	if len(data) == 0 {
		return nil, errors.Newf("empty body fetching %s", url)
	}
	return data, nil
}
