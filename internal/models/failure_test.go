package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailureKindIsRetryable(t *testing.T) {
	retryable := []FailureKind{
		FailureTimeout,
		FailureRateLimited,
		FailureInvalidPage,
		FailureExtraction,
		FailureAgeVerification,
	}
	terminal := []FailureKind{
		FailureNoData,
		FailureNotFound,
		FailureBlocked,
		FailureUpload,
		FailureKind("unknown"),
	}

	for _, kind := range retryable {
		assert.True(t, kind.IsRetryable(), "kind %s", kind)
	}
	for _, kind := range terminal {
		assert.False(t, kind.IsRetryable(), "kind %s", kind)
	}
}

func TestFailureRecordRetryable(t *testing.T) {
	record := &FailureRecord{Reasons: []string{string(FailureNotFound)}}
	assert.False(t, record.Retryable())

	// One retryable reason is enough even when terminal reasons accumulated.
	record.Reasons = append(record.Reasons, string(FailureTimeout))
	assert.True(t, record.Retryable())
}

func TestFailureRecordHasReason(t *testing.T) {
	record := &FailureRecord{Reasons: []string{string(FailureTimeout)}}

	assert.True(t, record.HasReason(FailureTimeout))
	assert.False(t, record.HasReason(FailureNotFound))
}
