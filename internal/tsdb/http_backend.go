package tsdb

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	v1 "github.com/fieldgate/acqengine/api/v1"
)

// HTTPBackend writes line-protocol batches to an InfluxDB-compatible
// /api/v2/write endpoint over HTTP, the deployment shape this engine is
// built against (spec.md §4.12 names "a time-series backend" without
// mandating one; a line-protocol HTTP sink is the natural fit for the
// encoding already chosen).
type HTTPBackend struct {
	writeURL string
	token    string
	client   *http.Client
}

// NewHTTPBackend builds a BackendWriter posting to writeURL (expected to
// already carry bucket/org/precision query parameters) with an optional
// API token, sent as an "Authorization: Token <token>" header.
func NewHTTPBackend(writeURL, token string) *HTTPBackend {
	return &HTTPBackend{
		writeURL: writeURL,
		token:    token,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *HTTPBackend) WriteBatch(ctx context.Context, points []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.writeURL, bytes.NewReader(points))
	if err != nil {
		return fmt.Errorf("build write request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if b.token != "" {
		req.Header.Set("Authorization", "Token "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", v1.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", v1.ErrBackendWriteFailed, resp.StatusCode)
	}
	return nil
}

func (b *HTTPBackend) Ping(ctx context.Context) error {
	healthURL := b.writeURL
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", v1.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	return nil
}
