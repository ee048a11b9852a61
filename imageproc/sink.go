package imageproc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/teranos/imgbatch/am"
	"github.com/teranos/imgbatch/errors"
)

// OutputsPath is the URL prefix the server serves the output dir under
const OutputsPath = "/outputs/"

// Sink stores a processed image and returns its public reference
type Sink interface {
	Save(ctx context.Context, ref Ref, data []byte, ext string) (string, error)
}

// DiskSink writes images to Dir/<batchID>/ and returns URLs under BaseURL
type DiskSink struct {
	Dir     string
	BaseURL string
}

// NewDiskSink creates a sink from the output and server sections
func NewDiskSink(cfg *am.Config) *DiskSink {
	return &DiskSink{Dir: cfg.Output.Dir, BaseURL: cfg.Server.PublicBaseURL}
}

// Save writes data under a unique name. Names never collide across
// redeliveries, so a retried item never overwrites an earlier output.
func (s *DiskSink) Save(ctx context.Context, ref Ref, data []byte, ext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Join(s.Dir, ref.BatchID)
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return "", errors.Wrapf(err, "failed to create output dir %s", dir)
	}

	name := fmt.Sprintf("%d-%d-%s%s", ref.Ordinal, ref.Index+1, uuid.NewString(), ext)
	if err := os.WriteFile(filepath.Join(dir, name), data, am.DefaultFilePermissions); err != nil {
		return "", errors.Wrapf(err, "failed to write output %s", name)
	}

	return strings.TrimRight(s.BaseURL, "/") + OutputsPath + ref.BatchID + "/" + name, nil
}
