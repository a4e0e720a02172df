package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrIncompleteAnnotation rejects a save whose required fields are empty
// after trimming. The caller surfaces it as a blocking message; no state
// changes.
var ErrIncompleteAnnotation = errors.New("reasoning and next intent are required")

// AnnotationFields is the editable surface of an annotation.
type AnnotationFields struct {
	TagType    string
	Excerpt    string
	Reasoning  string
	NextIntent string
	Comment    string
}

// AnnotationManager edits per-reply annotations through the controller,
// sharing its lock so gate derivation always sees a consistent aggregate.
type AnnotationManager struct {
	c *Controller
}

// Annotations returns the manager bound to this controller's session.
func (c *Controller) Annotations() *AnnotationManager {
	return &AnnotationManager{c: c}
}

// Open returns the existing annotation for prefill, or an empty one bound
// to the message. Read-only with respect to the aggregate.
func (m *AnnotationManager) Open(messageID string) (Annotation, error) {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()

	msg, ok := m.c.sess.MessageByID(messageID)
	if !ok {
		return Annotation{}, fmt.Errorf("annotation target %s: no such message", messageID)
	}
	if msg.Role != RoleReply {
		return Annotation{}, fmt.Errorf("annotation target %s is not a reply", messageID)
	}
	if ann, ok := m.c.sess.Annotations[messageID]; ok {
		return ann, nil
	}
	return Annotation{TargetMessageID: messageID}, nil
}

// Save validates completeness, upserts the annotation, and clears the gate
// when the saved message is the one the gate is bound to. The annotation is
// persisted before the gate transition so an interruption between the two
// re-derives Pending on reload instead of skipping the reflection.
func (m *AnnotationManager) Save(ctx context.Context, messageID string, fields AnnotationFields) error {
	c := m.c
	c.mu.Lock()

	msg, ok := c.sess.MessageByID(messageID)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("annotation target %s: no such message", messageID)
	}
	if msg.Role != RoleReply {
		c.mu.Unlock()
		return fmt.Errorf("annotation target %s is not a reply", messageID)
	}

	reasoning := strings.TrimSpace(fields.Reasoning)
	nextIntent := strings.TrimSpace(fields.NextIntent)
	if reasoning == "" || nextIntent == "" {
		c.mu.Unlock()
		return ErrIncompleteAnnotation
	}

	c.sess.Annotations[messageID] = Annotation{
		TargetMessageID: messageID,
		TagType:         strings.TrimSpace(fields.TagType),
		Excerpt:         strings.TrimSpace(fields.Excerpt),
		Reasoning:       reasoning,
		NextIntent:      nextIntent,
		Comment:         strings.TrimSpace(fields.Comment),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := c.persistLocked(ctx); err != nil {
		delete(c.sess.Annotations, messageID)
		c.mu.Unlock()
		return err
	}

	wasPending := c.sess.Gate.Required && c.sess.Gate.PendingID == messageID
	gate := c.sess.RecomputeGate()
	err := c.persistLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.record(ctx, EventAnnotationSubmitted, map[string]any{"messageId": messageID})
	if wasPending && !gate.Required {
		c.record(ctx, EventGateCleared, map[string]any{"messageId": messageID})
		c.publishGate(gate)
	}
	return nil
}

// Clear deletes an annotation. Deleting the annotation the gate was
// cleared by re-raises the gate, since derivation finds the last reply
// unannotated again.
func (m *AnnotationManager) Clear(ctx context.Context, messageID string) error {
	c := m.c
	c.mu.Lock()

	prev, existed := c.sess.Annotations[messageID]
	if !existed {
		c.mu.Unlock()
		return nil
	}
	delete(c.sess.Annotations, messageID)
	wasRequired := c.sess.Gate.Required
	gate := c.sess.RecomputeGate()
	if err := c.persistLocked(ctx); err != nil {
		c.sess.Annotations[messageID] = prev
		c.sess.RecomputeGate()
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.record(ctx, EventAnnotationCleared, map[string]any{"messageId": messageID})
	if gate.Required && !wasRequired {
		c.record(ctx, EventGateRaised, map[string]any{"pendingId": gate.PendingID})
		c.publishGate(gate)
	}
	return nil
}
