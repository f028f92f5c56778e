package replica

import (
	"context"
	"errors"
	"time"

	"github.com/veilstream/veilstream/pkg/model"
)

// Start launches the background sweep loop. Each tick collects the chunks
// whose verification interval elapsed and hands them to the worker pool,
// so a large chunk population is verified with bounded concurrency
// instead of one goroutine per chunk. Chunks found Corrupted are repaired
// in the same job.
func (s *Store) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.stopSweep = cancel

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()

		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				s.sweep(sweepCtx)
			}
		}
	}()
}

// Close stops the sweep loop and waits for in-flight verification jobs.
func (s *Store) Close() {
	if s.stopSweep != nil {
		s.stopSweep()
	}
	s.bg.Wait()
	s.pool.Close()
}

// sweep schedules one verification job per due chunk.
func (s *Store) sweep(ctx context.Context) {
	now := time.Now()

	s.chunkMu.Lock()
	due := make([]string, 0, len(s.chunks))
	for chunkID, next := range s.nextCheck {
		if now.Before(next) {
			continue
		}
		due = append(due, chunkID)
		s.nextCheck[chunkID] = now.Add(s.cfg.VerifyInterval)
	}
	s.chunkMu.Unlock()

	if len(due) == 0 {
		return
	}
	s.log.Debug("sweep scheduled", "chunks", len(due))

	for _, chunkID := range due {
		chunkID := chunkID
		err := s.pool.Submit(ctx, func() {
			s.check(ctx, chunkID)
		})
		if err != nil {
			return // shutting down
		}
	}
}

// check verifies one chunk and repairs it if the verification left it
// Corrupted or Missing. A chunk with no verified source is logged loudly;
// that is potential data loss.
func (s *Store) check(ctx context.Context, chunkID string) {
	status, err := s.Verify(ctx, chunkID)
	if err != nil {
		if !errors.Is(err, ErrChunkNotFound) {
			s.log.Warn("sweep verify failed", "chunk", chunkID, "error", err)
		}
		return
	}
	if status != model.ChunkCorrupted && status != model.ChunkMissing {
		return
	}

	err = s.Repair(ctx, chunkID)
	switch {
	case err == nil:
	case errors.Is(err, ErrRepairInProgress):
	default:
		var corrupted *CorruptedError
		if errors.As(err, &corrupted) {
			s.log.Error("chunk unrecoverable, no verified source", "chunk", chunkID)
			return
		}
		s.log.Warn("sweep repair failed", "chunk", chunkID, "error", err)
	}
}
