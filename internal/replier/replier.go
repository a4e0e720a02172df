// Package replier produces the scripted collaborator's side of a session.
// The default implementation calls the chat proxy over HTTP; the session
// controller only sees the Replier interface so tests can swap in fakes.
package replier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Roles for transcript turns sent to the proxy.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior utterance in the conversation, oldest first.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Replier returns the collaborator's next utterance given the full
// transcript so far.
type Replier interface {
	Reply(ctx context.Context, turns []Turn) (string, error)
}

// ErrEmptyReply is returned when the upstream answered successfully but
// produced no usable text.
var ErrEmptyReply = errors.New("empty reply from upstream")

const defaultTimeout = 60 * time.Second

// ProxyClient calls the chat proxy endpoint.
type ProxyClient struct {
	url       string
	studyCode string
	client    *http.Client
	logger    *slog.Logger
}

// NewProxyClient creates a client for the proxy at url (the full chat
// endpoint, e.g. "http://host:port/api/chat"). studyCode may be empty
// when the deployment does not require one.
func NewProxyClient(url, studyCode string, logger *slog.Logger) *ProxyClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyClient{
		url:       url,
		studyCode: studyCode,
		client:    &http.Client{Timeout: defaultTimeout},
		logger:    logger.With("component", "replier"),
	}
}

type chatRequest struct {
	Messages []Turn `json:"messages"`
}

type chatResponse struct {
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
}

// Reply posts the transcript to the proxy and returns the collaborator's
// next utterance. Non-2xx statuses and transport failures are returned as
// errors carrying enough detail for ClassifyError.
func (c *ProxyClient) Reply(ctx context.Context, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("reply: no turns to send")
	}

	body, err := json.Marshal(chatRequest{Messages: turns})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.studyCode != "" {
		req.Header.Set("x-study-code", c.studyCode)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat proxy returned %d: %s", resp.StatusCode, snippet(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("chat proxy error: %s", parsed.Error)
	}

	reply := strings.TrimSpace(parsed.Reply)
	if reply == "" {
		return "", ErrEmptyReply
	}

	c.logger.Debug("reply received",
		"turns", len(turns),
		"reply_len", len(reply),
		"duration_ms", time.Since(start).Milliseconds())
	return reply, nil
}

// snippet truncates a response body for inclusion in error messages.
func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
