// Package session implements the conversational session aggregate and its
// turn-taking rules. A session alternates participant utterances with
// collaborator replies, and every reply must be annotated before the next
// utterance is accepted. The aggregate persists as a single JSON document
// so reloads always rebuild the exact state the participant last saw.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message. There are exactly two.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleReply       Role = "reply"
)

// Message is one utterance in the transcript. Immutable once appended.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Annotation is the participant's structured reflection on one reply.
// Reasoning and NextIntent are required; the rest is optional.
type Annotation struct {
	TargetMessageID string    `json:"targetMessageId"`
	TagType         string    `json:"tagType,omitempty"`
	Excerpt         string    `json:"excerpt,omitempty"`
	Reasoning       string    `json:"reasoning"`
	NextIntent      string    `json:"nextIntent"`
	Comment         string    `json:"comment,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Complete reports whether all required fields are non-empty after trimming.
// Completeness, not mere existence, is what clears the gate.
func (a Annotation) Complete() bool {
	return strings.TrimSpace(a.Reasoning) != "" && strings.TrimSpace(a.NextIntent) != ""
}

// Participant holds the identity recorded at session start. Write-once.
type Participant struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// PreTask holds the two pre-conversation prompts. Opening doubles as the
// first utterance sent on the participant's behalf.
type PreTask struct {
	Focus   string `json:"focus"`
	Opening string `json:"opening"`
}

// Gate is the annotation gate. When Required is true, PendingID names the
// reply that must be annotated before the next utterance.
type Gate struct {
	Required  bool   `json:"required"`
	PendingID string `json:"pendingId,omitempty"`
}

// Session is the root aggregate. One record per session in the store.
type Session struct {
	SessionID   string                `json:"sessionId"`
	StartedAt   time.Time             `json:"startedAt"`
	Participant Participant           `json:"participant"`
	PreTask     PreTask               `json:"preTask"`
	Messages    []Message             `json:"messages"`
	Annotations map[string]Annotation `json:"annotations"`
	Gate        Gate                  `json:"gate"`
}

// New creates an empty session with a fresh identity.
func New() *Session {
	return &Session{
		SessionID:   uuid.NewString(),
		StartedAt:   time.Now().UTC(),
		Annotations: make(map[string]Annotation),
	}
}

// LastReply returns the most recent reply-role message, if any.
func (s *Session) LastReply() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleReply {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// MessageByID finds a message in the transcript.
func (s *Session) MessageByID(id string) (Message, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Encode serializes the aggregate to its persisted JSON form.
func (s *Session) Encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode session %s: %w", s.SessionID, err)
	}
	return string(raw), nil
}

// Decode rebuilds a session from its persisted JSON form.
func Decode(doc string) (*Session, error) {
	var s Session
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		return nil, fmt.Errorf("decode session doc: %w", err)
	}
	if s.SessionID == "" {
		return nil, fmt.Errorf("decode session doc: missing sessionId")
	}
	if s.Annotations == nil {
		s.Annotations = make(map[string]Annotation)
	}
	return &s, nil
}

// Clone returns a deep copy safe to hand to presentation layers.
func (s *Session) Clone() Session {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	out.Annotations = make(map[string]Annotation, len(s.Annotations))
	for k, v := range s.Annotations {
		out.Annotations[k] = v
	}
	return out
}
