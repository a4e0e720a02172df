package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/reflectchat/internal/otel"
	"github.com/basket/reflectchat/internal/shared"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type upstreamRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []chatMessage `json:"messages"`
}

type upstreamResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// handleChat proxies one conversation turn to the upstream completion API.
// The persona is injected here as the system turn; clients only ever send
// the visible transcript.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()

	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages must be a non-empty array"})
		return
	}
	for _, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unsupported role %q", m.Role)})
			return
		}
	}

	apiKey := s.cfg.Cfg.UpstreamAPIKey()
	if apiKey == "" {
		s.logger.Error("chat refused: upstream API key not configured",
			"env", s.cfg.Cfg.Upstream.APIKeyEnv, "trace_id", shared.TraceID(r.Context()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server is missing its API key"})
		return
	}

	up := s.cfg.Cfg.Upstream
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if persona := strings.TrimSpace(s.cfg.Cfg.Persona); persona != "" {
		messages = append(messages, chatMessage{Role: "system", Content: persona})
	}
	messages = append(messages, req.Messages...)

	body, err := json.Marshal(upstreamRequest{
		Model:       up.Model,
		Temperature: up.Temperature,
		MaxTokens:   up.MaxTokens,
		Messages:    messages,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "encode upstream request"})
		return
	}

	ctx, span := otel.StartClientSpan(r.Context(), s.cfg.Tracer, "upstream.chat")
	defer span.End()

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(up.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "build upstream request"})
		return
	}
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := s.upstream.Do(upReq)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("upstream request failed",
			"error", err.Error(), "trace_id", shared.TraceID(r.Context()))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream request failed"})
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "read upstream response"})
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Pass the upstream status and body through so the client can
		// distinguish throttling from other failures.
		s.logger.Warn("upstream returned non-success",
			"status", resp.StatusCode, "trace_id", shared.TraceID(r.Context()))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(raw)
		return
	}

	var parsed upstreamResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "decode upstream response"})
		return
	}
	reply := ""
	if len(parsed.Choices) > 0 {
		reply = strings.TrimSpace(parsed.Choices[0].Message.Content)
	}
	if reply == "" {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "empty reply from upstream"})
		return
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
		s.cfg.Metrics.ReplyDuration.Record(r.Context(), time.Since(start).Seconds())
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
