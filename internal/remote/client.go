package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/httpclient"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// Client implements the RemoteStore interface over HTTP. Transient failures
// (timeouts, 5xx, 429) are retried with backoff up to the configured ceiling;
// anything still failing after that surfaces as ErrRemoteUnavailable so
// callers can fall back to local storage.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	clock      common.Clock
	logger     arbor.ILogger
}

// NewClient creates a remote storage service client
func NewClient(config common.RemoteConfig, clock common.Clock, logger arbor.ILogger) *Client {
	return &Client{
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		httpClient: httpclient.NewDefaultHTTPClient(config.RequestTimeout),
		maxRetries: config.MaxRetries,
		backoff:    config.RetryBackoff,
		clock:      clock,
		logger:     logger,
	}
}

// Health probes the service liveness endpoint
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// SyncCatalog uploads the basic catalog listing with run-status metadata
func (c *Client) SyncCatalog(ctx context.Context, items []models.CatalogItem, state *models.UpdateState) error {
	payload := struct {
		Bundles []models.CatalogItem `json:"bundles"`
		State   *models.UpdateState  `json:"state,omitempty"`
	}{Bundles: items, State: state}

	return c.do(ctx, http.MethodPost, "/sync", payload, nil)
}

// UploadDetailChunk uploads one chunk of detailed records
func (c *Client) UploadDetailChunk(ctx context.Context, chunk interfaces.DetailChunk) error {
	return c.do(ctx, http.MethodPost, "/bundles/detailed/batch", chunk, nil)
}

// GetBundles reads back the authoritative basic catalog
func (c *Client) GetBundles(ctx context.Context) ([]models.CatalogItem, error) {
	var items []models.CatalogItem
	if err := c.do(ctx, http.MethodGet, "/bundles", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// GetDetailed reads back the authoritative detailed dataset
func (c *Client) GetDetailed(ctx context.Context) ([]models.DetailRecord, error) {
	var records []models.DetailRecord
	if err := c.do(ctx, http.MethodGet, "/bundles-detailed", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// UpdateSyncStatus records run status transitions for downstream consumers
func (c *Client) UpdateSyncStatus(ctx context.Context, state *models.UpdateState) error {
	return c.do(ctx, http.MethodPost, "/admin?operation=update-sync-status", state, nil)
}

// GetFailedQueue reads the authoritative failed-item ledger
func (c *Client) GetFailedQueue(ctx context.Context) ([]models.FailureRecord, error) {
	var records []models.FailureRecord
	if err := c.do(ctx, http.MethodGet, "/admin?operation=failed-queue", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// PutFailedQueue replaces the remote failed-item ledger
func (c *Client) PutFailedQueue(ctx context.Context, records []models.FailureRecord) error {
	if records == nil {
		records = []models.FailureRecord{}
	}
	return c.do(ctx, http.MethodPost, "/admin?operation=failed-queue", records, nil)
}

// do executes one request with retry-with-backoff on transient failures and
// decodes the response body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(attempt)
			c.logger.Debug().
				Str("path", path).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("Retrying remote storage request")
			if err := c.clock.Sleep(ctx, backoff); err != nil {
				return err
			}
		}

		lastErr = c.doOnce(ctx, method, path, body, out)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
	}

	c.logger.Warn().
		Str("path", path).
		Int("attempts", c.maxRetries+1).
		Err(lastErr).
		Msg("Remote storage request exhausted retries")

	return fmt.Errorf("%w: %s %s: %v", interfaces.ErrRemoteUnavailable, method, path, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transientError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return &transientError{err: fmt.Errorf("remote returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote returned status %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}

	return nil
}

// transientError marks failures worth retrying
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
