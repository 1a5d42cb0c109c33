package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/colligo/internal/models"
)

// ErrRemoteUnavailable indicates the remote storage service could not be
// reached after retries. Callers fall back to local storage where one exists.
var ErrRemoteUnavailable = errors.New("remote storage service unavailable")

// DetailChunk is one bounded group of completed records uploaded together.
type DetailChunk struct {
	SessionID   string                `json:"session_id"`
	ChunkNumber int                   `json:"chunk_number"`
	IsLastChunk bool                  `json:"is_last_chunk"`
	Progress    float64               `json:"progress"` // percent of run completed
	Records     []models.DetailRecord `json:"bundles"`
}

// RemoteStore is the client contract for the remote storage service. The
// remote dataset is the single source of truth for cross-restart state; all
// calls carry the API key and a timeout, and none is assumed idempotent
// unless documented here.
type RemoteStore interface {
	// Health probes the service liveness endpoint.
	Health(ctx context.Context) error

	// SyncCatalog uploads the basic catalog listing with run-status metadata.
	// Idempotent: the remote upserts by item id.
	SyncCatalog(ctx context.Context, items []models.CatalogItem, state *models.UpdateState) error

	// UploadDetailChunk uploads one chunk of detailed records. Idempotent per
	// (session, chunk number) pair.
	UploadDetailChunk(ctx context.Context, chunk DetailChunk) error

	// GetBundles reads back the authoritative basic catalog.
	GetBundles(ctx context.Context) ([]models.CatalogItem, error)

	// GetDetailed reads back the authoritative detailed dataset.
	GetDetailed(ctx context.Context) ([]models.DetailRecord, error)

	// UpdateSyncStatus records run status transitions for downstream consumers.
	UpdateSyncStatus(ctx context.Context, state *models.UpdateState) error

	// GetFailedQueue reads the authoritative failed-item ledger.
	GetFailedQueue(ctx context.Context) ([]models.FailureRecord, error)

	// PutFailedQueue replaces the remote failed-item ledger.
	PutFailedQueue(ctx context.Context, records []models.FailureRecord) error
}
