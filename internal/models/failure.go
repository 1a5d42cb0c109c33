package models

import "time"

// FailureKind classifies why an enrichment attempt failed.
type FailureKind string

const (
	FailureTimeout         FailureKind = "timeout"
	FailureNoData          FailureKind = "no_data"
	FailureNotFound        FailureKind = "not_found"
	FailureBlocked         FailureKind = "blocked"
	FailureRateLimited     FailureKind = "rate_limited"
	FailureInvalidPage     FailureKind = "invalid_page"
	FailureExtraction      FailureKind = "extraction_failed"
	FailureAgeVerification FailureKind = "age_verification_failed"
	FailureUpload          FailureKind = "upload_failed"
)

// retryableKinds is the fixed allow-list of kinds worth retrying. NOT_FOUND
// and NO_DATA are terminal: the item no longer exists upstream or carries no
// payload, and retrying only spends upstream trust.
var retryableKinds = map[FailureKind]bool{
	FailureTimeout:         true,
	FailureRateLimited:     true,
	FailureInvalidPage:     true,
	FailureExtraction:      true,
	FailureAgeVerification: true,
}

// IsRetryable reports whether a failure kind is in the retryable allow-list.
func (k FailureKind) IsRetryable() bool {
	return retryableKinds[k]
}

// FailureRecord is one entry in the failed-item ledger. Reasons accumulate
// across attempts; the record leaves the ledger only on eventual success.
type FailureRecord struct {
	ID            string      `json:"id" badgerhold:"key"`
	Item          CatalogItem `json:"item"`
	Reasons       []string    `json:"reasons"`
	AttemptCount  int         `json:"attempt_count"`
	OriginalIndex int         `json:"original_index"`
	FirstFailedAt time.Time   `json:"first_failed_at"`
	LastAttemptAt time.Time   `json:"last_attempt_at"`
}

// HasReason reports whether the record already carries the given reason.
func (r *FailureRecord) HasReason(kind FailureKind) bool {
	for _, reason := range r.Reasons {
		if reason == string(kind) {
			return true
		}
	}
	return false
}

// Retryable reports whether any recorded reason is in the retryable set.
func (r *FailureRecord) Retryable() bool {
	for _, reason := range r.Reasons {
		if FailureKind(reason).IsRetryable() {
			return true
		}
	}
	return false
}
