package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dripflow/dripflow/pkg/models"
)

// HTTPDispatcher posts the dispatch envelope to a delivery endpoint. The
// endpoint owns rendering and transport; a non-2xx response is a dispatch
// failure.
type HTTPDispatcher struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	headers map[string]string
}

func NewHTTPDispatcher(url string, headers map[string]string, logger *slog.Logger) *HTTPDispatcher {
	return &HTTPDispatcher{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("module", "http_dispatcher"),
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, run *models.Run, action *models.ActionSpec) error {
	envelope := NewEnvelope(run, action)

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create delivery request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range d.headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request failed: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delivery endpoint returned status %d", resp.StatusCode)
	}

	d.logger.InfoContext(ctx, "Dispatched action over HTTP",
		"run_id", envelope.RunID,
		"kind", envelope.Kind,
		"status", resp.StatusCode)

	return nil
}
