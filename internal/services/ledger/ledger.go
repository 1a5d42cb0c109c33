package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// RetryFunc re-attempts enrichment of one previously failed item.
type RetryFunc func(ctx context.Context, item models.CatalogItem) models.EnrichmentResult

// Ledger accumulates items that failed enrichment, keyed by item id with a
// union of failure reasons. The remote copy is authoritative across process
// restarts; local badger storage is only a fallback when the remote store is
// unreachable.
type Ledger struct {
	remote  interfaces.RemoteStore
	local   interfaces.LedgerStorage
	scraper common.ScraperConfig
	clock   common.Clock
	logger  arbor.ILogger

	mu      sync.Mutex
	entries map[string]*models.FailureRecord
}

// NewLedger creates an empty ledger. Call Load before a run to reconcile
// against persisted state.
func NewLedger(remote interfaces.RemoteStore, local interfaces.LedgerStorage, scraper common.ScraperConfig, clock common.Clock, logger arbor.ILogger) *Ledger {
	return &Ledger{
		remote:  remote,
		local:   local,
		scraper: scraper,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]*models.FailureRecord),
	}
}

// Load populates the ledger from the remote store, falling back to local
// storage only when the remote is unreachable.
func (l *Ledger) Load(ctx context.Context) error {
	records, err := l.remote.GetFailedQueue(ctx)
	if err != nil {
		if !errors.Is(err, interfaces.ErrRemoteUnavailable) {
			return err
		}
		l.logger.Warn().Err(err).Msg("Remote ledger unreachable, loading local fallback")
		records, err = l.local.LoadLedger(ctx)
		if err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*models.FailureRecord, len(records))
	for i := range records {
		record := records[i]
		l.entries[record.ID] = &record
	}

	l.logger.Info().Int("entries", len(l.entries)).Msg("Failure ledger loaded")
	return nil
}

// AddFailure upserts a failure. An existing entry gets the reason unioned
// into its reason set and its attempt count incremented.
func (l *Ledger) AddFailure(item models.CatalogItem, kind models.FailureKind, originalIndex int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if existing, ok := l.entries[item.ID]; ok {
		if !existing.HasReason(kind) {
			existing.Reasons = append(existing.Reasons, string(kind))
		}
		existing.AttemptCount++
		existing.LastAttemptAt = now
		return
	}

	l.entries[item.ID] = &models.FailureRecord{
		ID:            item.ID,
		Item:          item,
		Reasons:       []string{string(kind)},
		AttemptCount:  1,
		OriginalIndex: originalIndex,
		FirstFailedAt: now,
		LastAttemptAt: now,
	}
}

// Resolve removes an item from the ledger. Called when a later attempt
// succeeds, so an id is never both succeeded and ledgered.
func (l *Ledger) Resolve(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
}

// Size returns the number of ledgered items.
func (l *Ledger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns all entries ordered by original catalog index.
func (l *Ledger) Snapshot() []models.FailureRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked(func(*models.FailureRecord) bool { return true })
}

// RetryQueue returns the entries carrying at least one retryable reason,
// ordered by original catalog index.
func (l *Ledger) RetryQueue() []models.FailureRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked(func(r *models.FailureRecord) bool { return r.Retryable() })
}

func (l *Ledger) sortedLocked(keep func(*models.FailureRecord) bool) []models.FailureRecord {
	out := make([]models.FailureRecord, 0, len(l.entries))
	for _, record := range l.entries {
		if keep(record) {
			out = append(out, *record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginalIndex < out[j].OriginalIndex })
	return out
}

// Breakdown summarizes ledger contents by reason for the run report.
func (l *Ledger) Breakdown() models.FailureBreakdown {
	l.mu.Lock()
	defer l.mu.Unlock()

	breakdown := models.FailureBreakdown{ByReason: make(map[string]int)}
	for _, record := range l.entries {
		breakdown.Total++
		if record.Retryable() {
			breakdown.Retryable++
		}
		for _, reason := range record.Reasons {
			breakdown.ByReason[reason]++
		}
	}
	return breakdown
}

// ProcessRetryQueue runs a sequential pass over the retryable entries. Items
// here have already demonstrated fragility, so the pass is deliberately more
// cautious than the main loop: one item at a time, a small attempt ceiling,
// and a fixed delay between attempts. Recovered records are returned so the
// caller can publish them.
func (l *Ledger) ProcessRetryQueue(ctx context.Context, retryFn RetryFunc) (models.RetryPassReport, []models.DetailRecord) {
	queue := l.RetryQueue()
	report := models.RetryPassReport{Processed: len(queue)}
	var recovered []models.DetailRecord

	if len(queue) == 0 {
		return report, nil
	}

	l.logger.Info().Int("items", len(queue)).Msg("Starting retry pass over failure ledger")

	for _, entry := range queue {
		if ctx.Err() != nil {
			break
		}

		var result models.EnrichmentResult
		for attempt := 1; attempt <= l.scraper.RetryPassAttempts; attempt++ {
			result = retryFn(ctx, entry.Item)
			if result.Success() {
				break
			}
			if attempt < l.scraper.RetryPassAttempts {
				if err := l.clock.Sleep(ctx, l.scraper.RetryPassDelay); err != nil {
					break
				}
			}
		}

		if result.Success() {
			l.Resolve(entry.ID)
			recovered = append(recovered, *result.Record)
			report.Recovered++
		} else {
			l.AddFailure(entry.Item, result.Kind, entry.OriginalIndex)
			report.StillFail++
		}

		if err := l.clock.Sleep(ctx, l.scraper.RetryPassDelay); err != nil {
			break
		}
	}

	l.logger.Info().
		Int("processed", report.Processed).
		Int("recovered", report.Recovered).
		Int("still_failing", report.StillFail).
		Msg("Retry pass finished")

	return report, recovered
}

// Push persists the ledger to the remote store, falling back to local
// storage when the remote is unreachable. Called after every retry pass and
// at each checkpoint so a crash cannot lose knowledge of what failed.
func (l *Ledger) Push(ctx context.Context) error {
	records := l.Snapshot()

	if err := l.remote.PutFailedQueue(ctx, records); err != nil {
		if !errors.Is(err, interfaces.ErrRemoteUnavailable) {
			return err
		}
		l.logger.Warn().Err(err).Msg("Remote ledger unreachable, persisting local fallback")
		return l.local.SaveLedger(ctx, records)
	}

	return nil
}

// Clear empties the ledger everywhere.
func (l *Ledger) Clear(ctx context.Context) error {
	l.mu.Lock()
	l.entries = make(map[string]*models.FailureRecord)
	l.mu.Unlock()

	if err := l.local.ClearLedger(ctx); err != nil {
		return err
	}
	if err := l.remote.PutFailedQueue(ctx, nil); err != nil && !errors.Is(err, interfaces.ErrRemoteUnavailable) {
		return err
	}
	return nil
}
