package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/reflectchat/internal/queue"
	"github.com/basket/reflectchat/internal/shared"
	"github.com/basket/reflectchat/internal/store"
)

// eventBatchSchema constrains what clients may post to the collector.
// Payloads stay open; the envelope does not.
const eventBatchSchema = `{
  "type": "object",
  "required": ["sessionId", "events"],
  "properties": {
    "sessionId": {"type": "string", "minLength": 1},
    "events": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["sessionId", "eventType", "clientTimestamp"],
        "properties": {
          "sessionId": {"type": "string", "minLength": 1},
          "eventType": {"type": "string", "minLength": 1},
          "clientTimestamp": {"type": "string", "minLength": 1},
          "payload": {}
        }
      }
    }
  }
}`

var batchSchema = mustCompileBatchSchema()

func mustCompileBatchSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventBatchSchema))
	if err != nil {
		panic(fmt.Sprintf("gateway: unmarshal event batch schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("events.json", doc); err != nil {
		panic(fmt.Sprintf("gateway: add schema resource: %v", err))
	}
	schema, err := c.Compile("events.json")
	if err != nil {
		panic(fmt.Sprintf("gateway: compile event batch schema: %v", err))
	}
	return schema
}

type eventBatch struct {
	SessionID string        `json:"sessionId"`
	Events    []queue.Entry `json:"events"`
}

// handleEvents accepts one event batch from a client queue. Delivery is
// at-least-once: a batch retried after a lost acknowledgement is stored
// again, and analysis tooling dedupes on (sessionId, eventType, timestamp).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read request body"})
		return
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := batchSchema.Validate(doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("schema validation failed: %v", err)})
		return
	}

	var batch eventBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid batch"})
		return
	}

	events := make([]store.CollectedEvent, 0, len(batch.Events))
	for _, e := range batch.Events {
		events = append(events, store.CollectedEvent{
			EventType:       e.EventType,
			ClientTimestamp: e.ClientTimestamp,
			PayloadJSON:     string(e.Payload),
		})
	}
	if err := s.cfg.Store.AppendCollectedEvents(r.Context(), batch.SessionID, events); err != nil {
		s.logger.Error("store event batch failed",
			"session_id", batch.SessionID, "count", len(events),
			"error", err.Error(), "trace_id", shared.TraceID(r.Context()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store events"})
		return
	}

	if s.journal != nil {
		for _, e := range batch.Events {
			s.journal.Record(batch.SessionID, e.EventType, e.ClientTimestamp, e.Payload)
		}
	}

	s.logger.Debug("event batch stored",
		"session_id", batch.SessionID, "count", len(events),
		"trace_id", shared.TraceID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
