package interfaces

import (
	"context"

	"github.com/ternarybob/colligo/internal/models"
)

// CatalogSource discovers the full set of catalog items to enrich.
type CatalogSource interface {
	// FetchCatalog walks upstream listing pages until the end-of-catalog
	// heuristic fires and returns the deduplicated item set. Returns
	// catalog.ErrBlocked (wrapped) when the upstream bans the client; the
	// caller must treat that as fatal for the run.
	FetchCatalog(ctx context.Context) ([]models.CatalogItem, error)
}

// DetailFetcher enriches a single catalog item.
type DetailFetcher interface {
	// FetchDetail never returns a transport error; every outcome is folded
	// into the result's failure taxonomy so per-item failures cannot abort
	// a batch.
	FetchDetail(ctx context.Context, item models.CatalogItem) models.EnrichmentResult
}

// StateStorage persists run checkpoints locally.
type StateStorage interface {
	SaveState(ctx context.Context, state *models.UpdateState) error
	// LoadState returns the most recently saved state, or nil when none exists.
	LoadState(ctx context.Context) (*models.UpdateState, error)
	ClearState(ctx context.Context) error
}

// LedgerStorage persists the failed-item ledger locally. Used only as a
// fallback when the remote store is unreachable.
type LedgerStorage interface {
	SaveLedger(ctx context.Context, records []models.FailureRecord) error
	LoadLedger(ctx context.Context) ([]models.FailureRecord, error)
	ClearLedger(ctx context.Context) error
}
