package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/reflectchat/internal/shared"
)

// Journal mirrors every collected event into logs/events.jsonl, one JSON
// object per line, so a session can be audited without querying the store.
type Journal struct {
	mu   sync.Mutex
	file *os.File
}

type journalEntry struct {
	Timestamp       string          `json:"timestamp"`
	SessionID       string          `json:"session_id"`
	EventType       string          `json:"event_type"`
	ClientTimestamp string          `json:"client_timestamp"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// OpenJournal opens (creating if needed) the append-only journal under
// homeDir/logs.
func OpenJournal(homeDir string) (*Journal, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: f}, nil
}

// Record appends one event. Secrets are redacted before anything touches
// disk. Write errors are swallowed; the journal is a mirror, not the
// system of record.
func (j *Journal) Record(sessionID, eventType, clientTS string, payload json.RawMessage) {
	if len(payload) > 0 {
		payload = json.RawMessage(shared.Redact(string(payload)))
	}
	entry := journalEntry{
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:       sessionID,
		EventType:       eventType,
		ClientTimestamp: clientTS,
		Payload:         payload,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		_, _ = j.file.Write(append(b, '\n'))
	}
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
