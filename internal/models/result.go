package models

// EnrichmentResult is the tagged outcome of one detail-enrichment call.
// Exactly one of Record or Kind is meaningful: a non-nil Record is a success
// (including the distinguished restricted-content placeholder), otherwise
// Kind names the failure.
type EnrichmentResult struct {
	Record *DetailRecord
	Kind   FailureKind
}

// Success reports whether the call produced a record.
func (r EnrichmentResult) Success() bool {
	return r.Record != nil
}

// Succeed wraps a record as a successful result.
func Succeed(record *DetailRecord) EnrichmentResult {
	return EnrichmentResult{Record: record}
}

// Fail wraps a failure kind as an unsuccessful result.
func Fail(kind FailureKind) EnrichmentResult {
	return EnrichmentResult{Kind: kind}
}
