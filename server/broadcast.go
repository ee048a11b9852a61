package server

import (
	"context"

	"github.com/teranos/imgbatch/batch"
	"github.com/teranos/imgbatch/logger"
)

// startBatchUpdateBroadcaster turns queue job updates into status reports
// for the watchers of the job's batch
func (s *Server) startBatchUpdateBroadcaster() {
	jobChan := s.queue.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			// Unsubscribe before close so the queue never sends on a closed channel
			s.queue.Unsubscribe(jobChan)
			close(jobChan)
		}()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Batch update broadcaster stopping")
				return
			case job := <-jobChan:
				if job == nil || job.HandlerName != batch.HandlerName {
					continue
				}
				s.pushStatus(job.Source)
			}
		}
	}()

	s.logger.Infow("Batch update broadcaster started")
}

// watchers returns the clients watching batchID
func (s *Server) watchers(batchID string) []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Client
	for c := range s.clients {
		if c.batchID == batchID {
			out = append(out, c)
		}
	}
	return out
}

// pushStatus sends the current report of batchID to its watchers.
// A watcher with a full buffer misses the update; the next one supersedes it.
func (s *Server) pushStatus(batchID string) {
	if len(s.watchers(batchID)) == 0 {
		return
	}

	rep, err := s.status.Status(context.Background(), batchID)
	if err != nil {
		s.logger.Warnw("Failed to build status for watchers", logger.FieldBatchID, shortID(batchID), logger.FieldError, err)
		return
	}
	update := &BatchUpdate{Type: MessageBatchStatus, Batch: rep}

	// Sends happen under the read lock; unregister removes a client under the
	// write lock before closing its channel.
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if c.batchID != batchID {
			continue
		}
		select {
		case c.send <- update:
		default:
			drops := s.broadcastDrops.Add(1)
			s.logger.Debugw("Dropped batch update for slow client",
				"client_id", c.id,
				"total_drops", drops)
		}
	}
}
