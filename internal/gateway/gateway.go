// Package gateway is the HTTP surface of the runtime: the chat proxy the
// participant client calls, the event collector endpoint, a health probe,
// and a websocket stream of bus events for observers. The proxy owns the
// persona and the upstream API key; neither ever reaches the client.
package gateway

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/reflectchat/internal/bus"
	"github.com/basket/reflectchat/internal/config"
	"github.com/basket/reflectchat/internal/otel"
	"github.com/basket/reflectchat/internal/shared"
	"github.com/basket/reflectchat/internal/store"
)

// Config holds the dependencies for the gateway server.
type Config struct {
	Store  *store.Store
	Bus    *bus.Bus
	Cfg    *config.Config
	Logger *slog.Logger

	Tracer  trace.Tracer
	Metrics *otel.Metrics

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string
}

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	journal  *Journal
	upstream *http.Client
}

// New creates a gateway server. journal may be nil when the JSONL event
// journal is disabled.
func New(cfg Config, journal *Journal) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Server{
		cfg:      cfg,
		logger:   logger.With("component", "gateway"),
		journal:  journal,
		upstream: &http.Client{Timeout: 60 * time.Second},
	}
}

// Handler returns the routed HTTP handler with per-request trace ids and
// study-code checking applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWS)
	return s.withTraceID(s.requireStudyCode(mux))
}

// withTraceID tags every request with a fresh trace id, carried on the
// request context and echoed in X-Trace-Id so a client report can be
// matched to server logs.
func (s *Server) withTraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
		s.logger.Debug("request served",
			"method", r.Method, "path", r.URL.Path, "trace_id", traceID)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

// requireStudyCode rejects requests missing the configured study code.
// The health probe stays open. With no code configured, everything passes.
func (s *Server) requireStudyCode(next http.Handler) http.Handler {
	code := s.cfg.Cfg.StudyCode
	if code == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		candidate := r.Header.Get("x-study-code")
		if candidate == "" {
			// Websocket clients can't always set headers.
			candidate = r.URL.Query().Get("code")
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) != 1 {
			http.Error(w, `{"error":"invalid study code"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
