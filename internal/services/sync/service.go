package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// Service batches completed records into chunks and uploads them to the
// remote store. The buffer is retained until an upload is confirmed, so a
// failed upload never silently drops data. Uploaded counts are a high-water
// mark: they only move forward.
type Service struct {
	remote interfaces.RemoteStore
	config common.SyncConfig
	clock  common.Clock
	logger arbor.ILogger

	mu            sync.Mutex
	sessionID     string
	total         int
	buffer        []models.DetailRecord
	chunkNumber   int
	uploadedCount int
}

// NewService creates a sync service.
func NewService(remote interfaces.RemoteStore, config common.SyncConfig, clock common.Clock, logger arbor.ILogger) *Service {
	return &Service{
		remote: remote,
		config: config,
		clock:  clock,
		logger: logger,
	}
}

// Begin resets the service for a new run.
func (s *Service) Begin(sessionID string, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
	s.total = total
	s.buffer = nil
	s.chunkNumber = 0
	s.uploadedCount = 0
}

// Buffer queues completed records for the next chunk upload.
func (s *Service) Buffer(records ...models.DetailRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, records...)
}

// BufferedCount returns the number of records awaiting upload.
func (s *Service) BufferedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// UploadedCount returns the number of records confirmed uploaded.
func (s *Service) UploadedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadedCount
}

// UploadIfDue flushes the buffer once it reaches the configured chunk size.
func (s *Service) UploadIfDue(ctx context.Context) error {
	s.mu.Lock()
	due := len(s.buffer) >= s.config.ChunkSize
	s.mu.Unlock()

	if !due {
		return nil
	}
	return s.flush(ctx, false)
}

// Flush uploads whatever is buffered without marking the run complete. Used
// at checkpoints and during graceful shutdown.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	empty := len(s.buffer) == 0
	s.mu.Unlock()

	if empty {
		return nil
	}
	return s.flush(ctx, false)
}

// Finalize uploads the remaining buffer as the last chunk, marking the
// remote dataset complete for this session. When the buffer is already empty
// an empty terminal chunk carries the completion flag.
func (s *Service) Finalize(ctx context.Context) error {
	return s.flush(ctx, true)
}

// flush uploads the current buffer with retry and escalating backoff. The
// buffer is released only after the remote confirms the chunk.
func (s *Service) flush(ctx context.Context, last bool) error {
	s.mu.Lock()
	chunk := interfaces.DetailChunk{
		SessionID:   s.sessionID,
		ChunkNumber: s.chunkNumber,
		IsLastChunk: last,
		Records:     s.buffer,
	}
	if s.total > 0 {
		chunk.Progress = float64(s.uploadedCount+len(s.buffer)) / float64(s.total) * 100
	}
	s.mu.Unlock()

	if len(chunk.Records) == 0 && !last {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := s.clock.Sleep(ctx, s.config.RetryBackoff*time.Duration(attempt)); err != nil {
				return err
			}
		}

		if lastErr = s.remote.UploadDetailChunk(ctx, chunk); lastErr == nil {
			s.mu.Lock()
			s.uploadedCount += len(chunk.Records)
			s.chunkNumber++
			s.buffer = s.buffer[len(chunk.Records):]
			s.mu.Unlock()

			s.logger.Info().
				Int("chunk", chunk.ChunkNumber).
				Int("records", len(chunk.Records)).
				Bool("last", last).
				Msg("Uploaded detail chunk")
			return nil
		}

		s.logger.Warn().
			Int("chunk", chunk.ChunkNumber).
			Int("attempt", attempt+1).
			Err(lastErr).
			Msg("Chunk upload failed")
	}

	return fmt.Errorf("%s: chunk %d not confirmed after %d attempts: %w",
		models.FailureUpload, chunk.ChunkNumber, s.config.MaxRetries+1, lastErr)
}
