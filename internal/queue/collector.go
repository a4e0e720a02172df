package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// CollectorClient posts event batches to the remote collector endpoint.
// Any 2xx response acknowledges the whole batch; everything else fails it.
type CollectorClient struct {
	url       string
	studyCode string
	client    *http.Client
	logger    *slog.Logger
}

const collectorTimeout = 15 * time.Second

// NewCollectorClient creates a sender for the collector at url
// (the full endpoint, e.g. "http://host:port/api/events").
func NewCollectorClient(url, studyCode string, logger *slog.Logger) *CollectorClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollectorClient{
		url:       url,
		studyCode: studyCode,
		client:    &http.Client{Timeout: collectorTimeout},
		logger:    logger.With("component", "collector"),
	}
}

type batchRequest struct {
	SessionID string  `json:"sessionId"`
	Events    []Entry `json:"events"`
}

// SendBatch delivers one batch. The caller retries later on error; this
// client makes a single attempt.
func (c *CollectorClient) SendBatch(ctx context.Context, sessionID string, entries []Entry) error {
	body, err := json.Marshal(batchRequest{SessionID: sessionID, Events: entries})
	if err != nil {
		return fmt.Errorf("encode event batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.studyCode != "" {
		req.Header.Set("x-study-code", c.studyCode)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send event batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := strings.TrimSpace(string(raw))
		if detail != "" {
			return fmt.Errorf("collector returned %d: %s", resp.StatusCode, detail)
		}
		return fmt.Errorf("collector returned %d", resp.StatusCode)
	}
	return nil
}
