package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/services/adaptive"
	"github.com/ternarybob/colligo/internal/services/catalog"
	"github.com/ternarybob/colligo/internal/services/ledger"
	"github.com/ternarybob/colligo/internal/services/state"
	syncsvc "github.com/ternarybob/colligo/internal/services/sync"
)

// ErrRunInProgress is returned when a run is triggered while one is active.
var ErrRunInProgress = errors.New("a run is already in progress")

// Event is a progress notification emitted between batches, consumed by the
// websocket stream.
type Event struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id"`
	Completed   int       `json:"completed"`
	Total       int       `json:"total"`
	BatchIndex  int       `json:"batch_index,omitempty"`
	SuccessRate float64   `json:"success_rate,omitempty"`
	Concurrency int       `json:"concurrency,omitempty"`
	Delay       string    `json:"delay,omitempty"`
	Recovering  bool      `json:"recovering,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Orchestrator drives the whole pipeline: catalog discovery, the adaptive
// batch loop, checkpointing, chunked publishing, and the final retry pass.
// One run at a time.
type Orchestrator struct {
	config  *common.Config
	catalog interfaces.CatalogSource
	fetcher interfaces.DetailFetcher
	ledger  *ledger.Ledger
	state   *state.Manager
	syncer  *syncsvc.Service
	remote  interfaces.RemoteStore
	clock   common.Clock
	logger  arbor.ILogger

	mu         sync.Mutex
	running    bool
	lastReport *models.RunReport
	listeners  []func(Event)

	stopRequested atomic.Bool
}

// New creates an orchestrator over the given collaborators.
func New(
	config *common.Config,
	catalogSource interfaces.CatalogSource,
	fetcher interfaces.DetailFetcher,
	failureLedger *ledger.Ledger,
	stateManager *state.Manager,
	syncer *syncsvc.Service,
	remote interfaces.RemoteStore,
	clock common.Clock,
	logger arbor.ILogger,
) *Orchestrator {
	return &Orchestrator{
		config:  config,
		catalog: catalogSource,
		fetcher: fetcher,
		ledger:  failureLedger,
		state:   stateManager,
		syncer:  syncer,
		remote:  remote,
		clock:   clock,
		logger:  logger,
	}
}

// AddListener registers a progress event consumer. Listeners must not block.
func (o *Orchestrator) AddListener(fn func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// LastReport returns the report of the most recently finished run, or nil.
func (o *Orchestrator) LastReport() *models.RunReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastReport
}

// Status is the point-in-time view of the orchestrator served over HTTP.
type Status struct {
	Running    bool               `json:"running"`
	State      models.UpdateState `json:"state"`
	LastReport *models.RunReport  `json:"last_report,omitempty"`
}

// Status returns the current run view.
func (o *Orchestrator) Status() Status {
	return Status{
		Running:    o.Running(),
		State:      o.state.State(),
		LastReport: o.LastReport(),
	}
}

// RequestStop asks the active run to stop gracefully: finish the in-flight
// batch, checkpoint and flush once, then stop dispatching.
func (o *Orchestrator) RequestStop() {
	o.stopRequested.Store(true)
}

// ClearRun force-clears a stuck run's local state and ledger. Refused while
// a run is active.
func (o *Orchestrator) ClearRun(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrRunInProgress
	}
	o.mu.Unlock()

	if err := o.ledger.Clear(ctx); err != nil {
		return err
	}
	return o.state.Clear(ctx)
}

// Run executes one full pipeline pass and returns its report. Per-item
// failures never abort the run; only sustained blocking or an unusable
// catalog does, and those leave the last checkpoint intact for resume.
func (o *Orchestrator) Run(ctx context.Context) (*models.RunReport, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrRunInProgress
	}
	o.running = true
	o.mu.Unlock()
	o.stopRequested.Store(false)

	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	start := o.clock.Now()

	if err := o.ledger.Load(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Failure ledger unavailable, starting empty")
	}

	items, err := o.catalog.FetchCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog discovery failed: %w", err)
	}
	if limit := o.config.Scraper.TestLimit; limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	if len(items) == 0 {
		return nil, errors.New("catalog discovery returned no items")
	}

	runState, resumed, err := o.state.TryResume(ctx)
	if err != nil {
		return nil, err
	}
	if !resumed {
		runState = o.state.CreateInitialState(len(items), o.config.Scraper.TestLimit, o.config.Source.Locale)
	}

	if err := o.remote.SyncCatalog(ctx, items, runState); err != nil {
		o.logger.Warn().Err(err).Msg("Catalog sync to remote failed, continuing")
	}

	o.syncer.Begin(runState.SessionID, runState.Total)
	tuner := adaptive.NewManager(o.config.Scraper, o.logger)

	o.emit(Event{Type: "run_started", SessionID: runState.SessionID, Total: runState.Total, Completed: runState.Completed, Timestamp: o.clock.Now()})

	report, runErr := o.mainLoop(ctx, items, runState, tuner)
	if runErr != nil {
		o.finishReport(report, runState, tuner, start, resumed)
		if err := o.state.MarkError(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to persist error state")
		}
		o.emit(Event{Type: "run_error", SessionID: runState.SessionID, Completed: o.state.State().Completed, Total: runState.Total, Timestamp: o.clock.Now()})
		return report, runErr
	}

	if !o.stopRequested.Load() {
		retryReport, recovered := o.ledger.ProcessRetryQueue(ctx, o.fetcher.FetchDetail)
		report.RetryPass = retryReport
		if len(recovered) > 0 {
			o.syncer.Buffer(recovered...)
			o.state.RecordProgress(len(recovered), -1)
		}
	}

	if err := o.ledger.Push(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to push failure ledger")
	}

	if o.stopRequested.Load() {
		if err := o.syncer.Flush(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("Flush on graceful stop failed, buffer retained")
		}
		if err := o.state.Checkpoint(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("Checkpoint on graceful stop failed")
		}
		o.finishReport(report, runState, tuner, start, resumed)
		o.logger.Info().Str("session_id", runState.SessionID).Msg("Run stopped gracefully, state kept for resume")
		return report, nil
	}

	if err := o.syncer.Finalize(ctx); err != nil {
		o.state.MarkError(ctx)
		o.finishReport(report, runState, tuner, start, resumed)
		return report, err
	}

	if err := o.state.Complete(ctx); err != nil {
		return report, err
	}

	o.finishReport(report, runState, tuner, start, resumed)
	o.emit(Event{Type: "run_completed", SessionID: runState.SessionID, Completed: report.Completed, Total: runState.Total, Timestamp: o.clock.Now()})

	o.logger.Info().
		Str("session_id", report.SessionID).
		Int("completed", report.Completed).
		Int("attempted", report.Attempted).
		Int("failed", report.Failed.Total).
		Str("elapsed", report.Elapsed.String()).
		Msg("Run finished")

	return report, nil
}

// mainLoop walks the catalog in adaptive batches from the resume point.
func (o *Orchestrator) mainLoop(ctx context.Context, items []models.CatalogItem, runState *models.UpdateState, tuner *adaptive.Manager) (*models.RunReport, error) {
	report := &models.RunReport{SessionID: runState.SessionID}

	blockedStreak := 0
	batchIndex := 0
	next := runState.LastProcessedIndex + 1

	for next < len(items) {
		if err := ctx.Err(); err != nil {
			o.stopRequested.Store(true)
			break
		}
		if o.stopRequested.Load() {
			break
		}

		cfg := tuner.Current()
		end := next + cfg.Concurrency
		if end > len(items) {
			end = len(items)
		}

		outcome, successes, blockedCount, rateLimitedCount := o.runBatch(ctx, items[next:end], next, batchIndex, cfg)

		for _, record := range successes {
			o.ledger.Resolve(record.ID)
		}
		if len(successes) > 0 {
			o.syncer.Buffer(successes...)
		}
		o.state.RecordProgress(len(successes), end-1)

		tuner.RecordBatchResult(outcome)
		if rateLimitedCount*2 >= outcome.TotalCount && rateLimitedCount > 0 {
			tuner.ForceConservative()
		}
		if tuner.ShouldOptimize(batchIndex) {
			tuner.OptimizeSettings(batchIndex)
		}

		if blockedCount*2 >= outcome.TotalCount && blockedCount > 0 {
			blockedStreak++
		} else {
			blockedStreak = 0
		}
		if blockedStreak >= 2 {
			o.checkpointAndFlush(ctx)
			return report, fmt.Errorf("aborting run: upstream is blocking requests (%w)", catalog.ErrBlocked)
		}

		checkpointed, err := o.state.CheckpointIfDue(ctx)
		if err != nil {
			o.logger.Warn().Err(err).Msg("Checkpoint failed")
		}
		if checkpointed {
			if err := o.ledger.Push(ctx); err != nil {
				o.logger.Warn().Err(err).Msg("Ledger push at checkpoint failed")
			}
		}
		if err := o.syncer.UploadIfDue(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("Chunk upload failed, buffer retained")
		}

		current := o.state.State()
		o.emit(Event{
			Type:        "batch_completed",
			SessionID:   runState.SessionID,
			Completed:   current.Completed,
			Total:       runState.Total,
			BatchIndex:  batchIndex,
			SuccessRate: outcome.SuccessRate(),
			Concurrency: cfg.Concurrency,
			Delay:       cfg.Delay.String(),
			Recovering:  tuner.Recovering(),
			Timestamp:   o.clock.Now(),
		})

		next = end
		batchIndex++

		if next < len(items) && !o.stopRequested.Load() {
			if err := o.clock.Sleep(ctx, tuner.Current().Delay); err != nil {
				o.stopRequested.Store(true)
				break
			}
		}
	}

	return report, nil
}

// runBatch dispatches one batch with all-settled semantics: every item gets
// a classified result and no failure short-circuits its peers.
func (o *Orchestrator) runBatch(ctx context.Context, batch []models.CatalogItem, offset, batchIndex int, cfg models.PerformanceConfig) (models.BatchOutcome, []models.DetailRecord, int, int) {
	batchStart := o.clock.Now()
	results := make([]models.EnrichmentResult, len(batch))

	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.fetcher.FetchDetail(ctx, batch[i])
		}(i)
	}
	wg.Wait()

	outcome := models.BatchOutcome{
		BatchIndex:      batchIndex,
		TotalCount:      len(batch),
		BatchDuration:   o.clock.Now().Sub(batchStart),
		DelayUsed:       cfg.Delay,
		ConcurrencyUsed: cfg.Concurrency,
		Timestamp:       batchStart,
	}

	var successes []models.DetailRecord
	blockedCount, rateLimitedCount := 0, 0

	for i, result := range results {
		if result.Success() {
			outcome.SuccessCount++
			successes = append(successes, *result.Record)
			continue
		}

		outcome.FailedIDs = append(outcome.FailedIDs, batch[i].ID)
		o.ledger.AddFailure(batch[i], result.Kind, offset+i)

		switch result.Kind {
		case models.FailureBlocked:
			blockedCount++
		case models.FailureRateLimited:
			rateLimitedCount++
		}
	}

	return outcome, successes, blockedCount, rateLimitedCount
}

// checkpointAndFlush is the best-effort persistence pass before an abort, so
// a fatal run still leaves a usable resume point.
func (o *Orchestrator) checkpointAndFlush(ctx context.Context) {
	if err := o.syncer.Flush(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Flush before abort failed")
	}
	if err := o.state.Checkpoint(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Checkpoint before abort failed")
	}
	if err := o.ledger.Push(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Ledger push before abort failed")
	}
}

func (o *Orchestrator) finishReport(report *models.RunReport, runState *models.UpdateState, tuner *adaptive.Manager, start time.Time, resumed bool) {
	current := o.state.State()
	report.Completed = current.Completed
	report.Attempted = runState.Total
	report.Failed = o.ledger.Breakdown()
	report.Elapsed = o.clock.Now().Sub(start)
	report.FinalConfig = tuner.Current()
	report.Resumed = resumed

	o.mu.Lock()
	o.lastReport = report
	o.mu.Unlock()
}

func (o *Orchestrator) emit(event Event) {
	o.mu.Lock()
	listeners := make([]func(Event), len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}
