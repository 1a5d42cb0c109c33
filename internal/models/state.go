package models

import "time"

// RunStatus is the lifecycle state of an update run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// UpdateState tracks progress of one scraping run. Mutated once per batch and
// cleared on successful completion; a persisted copy makes crashed runs
// resumable.
type UpdateState struct {
	SessionID          string    `json:"session_id" badgerhold:"key"`
	Status             RunStatus `json:"status"`
	Total              int       `json:"total"`
	Completed          int       `json:"completed"`
	LastProcessedIndex int       `json:"last_processed_index"`
	Locale             string    `json:"locale"`
	StartTime          time.Time `json:"start_time"`
	UpdatedAt          time.Time `json:"updated_at"`
	ResumeCount        int       `json:"resume_count"`
}

// BatchOutcome is the observed result of one concurrent batch. Kept only in
// the adaptive manager's rolling window, never persisted.
type BatchOutcome struct {
	BatchIndex      int
	SuccessCount    int
	TotalCount      int
	BatchDuration   time.Duration
	FailedIDs       []string
	DelayUsed       time.Duration
	ConcurrencyUsed int
	Timestamp       time.Time
}

// SuccessRate returns the fraction of calls in the batch that succeeded.
func (b BatchOutcome) SuccessRate() float64 {
	if b.TotalCount == 0 {
		return 1.0
	}
	return float64(b.SuccessCount) / float64(b.TotalCount)
}

// PerformanceConfig is the pair of knobs the adaptive manager tunes. Read by
// the orchestrator before each batch dispatch, mutated only between batches.
type PerformanceConfig struct {
	Delay       time.Duration `json:"delay"`
	Concurrency int           `json:"concurrency"`
}

// FailureBreakdown summarizes ledger contents by reason for the run report.
type FailureBreakdown struct {
	Total     int            `json:"total"`
	Retryable int            `json:"retryable"`
	ByReason  map[string]int `json:"by_reason"`
}

// RetryPassReport summarizes the bounded retry pass over the ledger.
type RetryPassReport struct {
	Processed int `json:"processed"`
	Recovered int `json:"recovered"`
	StillFail int `json:"still_failing"`
}

// RunReport is the user-visible summary of a completed run, enough to tell a
// network-side degradation from a logic-side one.
type RunReport struct {
	SessionID   string            `json:"session_id"`
	Completed   int               `json:"completed"`
	Attempted   int               `json:"attempted"`
	Failed      FailureBreakdown  `json:"failed"`
	RetryPass   RetryPassReport   `json:"retry_pass"`
	Elapsed     time.Duration     `json:"elapsed"`
	FinalConfig PerformanceConfig `json:"final_config"`
	Resumed     bool              `json:"resumed"`
}
