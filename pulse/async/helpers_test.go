package async

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================================================
// Darkroom Test Universe
// ============================================================================
//
// Characters:
//   - The Clerk: takes film in at the counter (enqueues jobs)
//   - The Developer: works the trays in the back (workers)
//   - The Night Guard: finds trays left mid-bath after a power cut (recovery)
//
// Theme: film comes in, gets developed, and the clerk never hands the same
// roll to two developers at once.
// ============================================================================

func createTestLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// newTestJob creates a queued job for a roll of film
func newTestJob(t *testing.T, handler, source string) *Job {
	t.Helper()
	job, err := NewJobWithPayload(handler, source, map[string]string{"roll": source}, 1)
	require.NoError(t, err)
	return job
}

// recordingHandler records executions and returns whatever fn returns
type recordingHandler struct {
	name string
	fn   func(ctx context.Context, job *Job) error

	mu   sync.Mutex
	seen []string
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Execute(ctx context.Context, job *Job) error {
	h.mu.Lock()
	h.seen = append(h.seen, job.ID)
	h.mu.Unlock()
	if h.fn != nil {
		return h.fn(ctx, job)
	}
	return nil
}

func (h *recordingHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}
