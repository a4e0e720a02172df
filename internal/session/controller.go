package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/reflectchat/internal/bus"
	"github.com/basket/reflectchat/internal/otel"
	"github.com/basket/reflectchat/internal/replier"
)

// Event types recorded on the durable event queue.
const (
	EventSessionStarted      = "session_started"
	EventSessionResumed      = "session_resumed"
	EventMessageSent         = "message_sent"
	EventMessageReceived     = "message_received"
	EventReplyFailed         = "reply_failed"
	EventGateRaised          = "gate_raised"
	EventGateCleared         = "gate_cleared"
	EventAnnotationSubmitted = "annotation_submitted"
	EventAnnotationCleared   = "annotation_cleared"
	EventExportDownloaded    = "export_downloaded"
)

// Persister stores the session aggregate. Satisfied by store.Store.
type Persister interface {
	SaveSessionDoc(ctx context.Context, sessionID, doc string) error
}

// Recorder appends entries to the durable event queue. Satisfied by
// queue.Queue. Recording is fire-and-forget from the controller's view;
// failures are logged, never surfaced to the participant.
type Recorder interface {
	Record(ctx context.Context, eventType string, payload map[string]any) error
}

// Controller owns all mutations of a single session. Every state change
// goes through it, is persisted immediately, and is announced on the bus
// so presentation layers can render without touching the aggregate.
type Controller struct {
	mu       sync.Mutex
	sess     *Session
	persist  Persister
	recorder Recorder
	replier  replier.Replier
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	awaiting bool
}

// NewController wires a session aggregate to its collaborators.
// recorder may be nil when event logging is disabled.
func NewController(sess *Session, persist Persister, recorder Recorder, rep replier.Replier, b *bus.Bus, logger *slog.Logger) *Controller {
	if b == nil {
		b = bus.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sess:     sess,
		persist:  persist,
		recorder: recorder,
		replier:  rep,
		bus:      b,
		logger:   logger.With("component", "session", "session_id", sess.SessionID),
	}
}

// SetMetrics attaches optional instruments. Call during wiring, before
// the controller is shared across goroutines.
func (c *Controller) SetMetrics(m *otel.Metrics) {
	c.metrics = m
}

// SessionID returns the aggregate's identity.
func (c *Controller) SessionID() string {
	return c.sess.SessionID
}

// Snapshot returns a copy of the aggregate for rendering.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Clone()
}

// Gate returns the current derived gate state.
func (c *Controller) Gate() Gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.RecomputeGate()
}

// AwaitingReply reports whether a reply request is outstanding.
func (c *Controller) AwaitingReply() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaiting
}

// Ready reports whether the participant record has been captured and the
// conversation may begin.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyLocked()
}

func (c *Controller) readyLocked() bool {
	return strings.TrimSpace(c.sess.Participant.FirstName) != "" &&
		strings.TrimSpace(c.sess.Participant.LastName) != "" &&
		strings.TrimSpace(c.sess.PreTask.Opening) != ""
}

// SetParticipant records identity and pre-task answers. Write-once: once
// set they never change for the life of the session.
func (c *Controller) SetParticipant(ctx context.Context, p Participant, pre PreTask) error {
	c.mu.Lock()
	if c.readyLocked() {
		c.mu.Unlock()
		return fmt.Errorf("participant already recorded for session %s", c.sess.SessionID)
	}
	if strings.TrimSpace(p.FirstName) == "" || strings.TrimSpace(p.LastName) == "" {
		c.mu.Unlock()
		return fmt.Errorf("first and last name are required")
	}
	if strings.TrimSpace(pre.Opening) == "" {
		c.mu.Unlock()
		return fmt.Errorf("opening message is required")
	}
	c.sess.Participant = Participant{
		FirstName: strings.TrimSpace(p.FirstName),
		LastName:  strings.TrimSpace(p.LastName),
	}
	c.sess.PreTask = PreTask{
		Focus:   strings.TrimSpace(pre.Focus),
		Opening: strings.TrimSpace(pre.Opening),
	}
	err := c.persistLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.record(ctx, EventSessionStarted, map[string]any{
		"participant": c.sess.Participant.LastName + "_" + c.sess.Participant.FirstName,
	})
	c.bus.Publish(bus.TopicSessionStarted, c.sess.SessionID)
	c.logger.Info("session started")
	return nil
}

// OnSessionLoad re-derives the gate from the persisted transcript and
// persists the result. Called once after a session is loaded from the
// store; an interrupted annotation flow resumes as Pending here.
func (c *Controller) OnSessionLoad(ctx context.Context) (Gate, error) {
	c.mu.Lock()
	before := c.sess.Gate
	gate := c.sess.RecomputeGate()
	err := c.persistLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return gate, err
	}

	c.record(ctx, EventSessionResumed, map[string]any{"gateRequired": gate.Required})
	c.bus.Publish(bus.TopicSessionLoaded, c.sess.SessionID)
	if gate.Required && (!before.Required || before.PendingID != gate.PendingID) {
		c.publishGate(gate)
	}
	c.logger.Info("session loaded", "messages", len(c.sess.Messages), "gate_required", gate.Required)
	return gate, nil
}

// TrySubmit is the single entry point for sending an utterance. It refuses
// silently (false, nil) when the text is blank, a reply is outstanding, or
// the derived gate is Pending. On acceptance it appends the participant
// message, requests a reply, appends the real or synthesized reply, and
// raises the gate on the new reply. A collaborator failure never rolls the
// exchange back.
func (c *Controller) TrySubmit(ctx context.Context, text string) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}

	c.mu.Lock()
	if c.awaiting {
		c.mu.Unlock()
		return false, nil
	}
	if gate := c.sess.RecomputeGate(); gate.Required {
		c.mu.Unlock()
		c.logger.Debug("submit refused, annotation pending", "pending_id", gate.PendingID)
		return false, nil
	}
	if !c.readyLocked() {
		c.mu.Unlock()
		return false, fmt.Errorf("participant record missing for session %s", c.sess.SessionID)
	}

	msg := Message{
		ID:        uuid.NewString(),
		Role:      RoleParticipant,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	c.sess.Messages = append(c.sess.Messages, msg)
	if err := c.persistLocked(ctx); err != nil {
		c.sess.Messages = c.sess.Messages[:len(c.sess.Messages)-1]
		c.mu.Unlock()
		return false, err
	}
	c.awaiting = true
	turns := c.turnsLocked()
	sessionID := c.sess.SessionID
	c.mu.Unlock()

	c.record(ctx, EventMessageSent, map[string]any{"messageId": msg.ID, "length": len(msg.Text)})
	c.bus.Publish(bus.TopicMessageAppended, bus.MessageAppendedEvent{
		SessionID: sessionID, MessageID: msg.ID, Role: string(msg.Role), Text: msg.Text,
	})
	c.bus.Publish(bus.TopicAwaitingReply, bus.AwaitingReplyEvent{SessionID: sessionID, Awaiting: true})

	replyText, replyErr := c.replier.Reply(ctx, turns)

	c.mu.Lock()
	c.awaiting = false
	eventType := EventMessageReceived
	if replyErr != nil {
		replyText = replier.SynthesizedReply(replyErr)
		eventType = EventReplyFailed
		class := string(replier.ClassifyError(replyErr))
		if c.metrics != nil {
			c.metrics.ReplyFailures.Add(ctx, 1, metric.WithAttributes(otel.AttrErrorClass.String(class)))
		}
		c.logger.Warn("reply failed, appending synthesized reply",
			"class", class,
			"error", replyErr.Error())
	}
	reply := Message{
		ID:        uuid.NewString(),
		Role:      RoleReply,
		Text:      replyText,
		Timestamp: time.Now().UTC(),
	}
	c.sess.Messages = append(c.sess.Messages, reply)
	gate := c.sess.RecomputeGate()
	persistErr := c.persistLocked(ctx)
	c.mu.Unlock()

	c.record(ctx, eventType, map[string]any{"messageId": reply.ID, "length": len(reply.Text)})
	c.record(ctx, EventGateRaised, map[string]any{"pendingId": gate.PendingID})
	c.bus.Publish(bus.TopicMessageAppended, bus.MessageAppendedEvent{
		SessionID: sessionID, MessageID: reply.ID, Role: string(reply.Role), Text: reply.Text,
	})
	c.bus.Publish(bus.TopicAwaitingReply, bus.AwaitingReplyEvent{SessionID: sessionID})
	c.publishGate(gate)
	return true, persistErr
}

// turnsLocked projects the transcript into the wire roles the reply
// collaborator expects.
func (c *Controller) turnsLocked() []replier.Turn {
	turns := make([]replier.Turn, 0, len(c.sess.Messages))
	for _, m := range c.sess.Messages {
		role := replier.RoleUser
		if m.Role == RoleReply {
			role = replier.RoleAssistant
		}
		turns = append(turns, replier.Turn{Role: role, Content: m.Text})
	}
	return turns
}

func (c *Controller) persistLocked(ctx context.Context) error {
	doc, err := c.sess.Encode()
	if err != nil {
		return err
	}
	if err := c.persist.SaveSessionDoc(ctx, c.sess.SessionID, doc); err != nil {
		return fmt.Errorf("persist session %s: %w", c.sess.SessionID, err)
	}
	return nil
}

func (c *Controller) record(ctx context.Context, eventType string, payload map[string]any) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(ctx, eventType, payload); err != nil {
		c.logger.Warn("event record failed", "event_type", eventType, "error", err.Error())
	}
}

func (c *Controller) publishGate(gate Gate) {
	topic := bus.TopicGateCleared
	if gate.Required {
		topic = bus.TopicGateRaised
		if c.metrics != nil {
			c.metrics.GateRaises.Add(context.Background(), 1,
				metric.WithAttributes(otel.AttrSessionID.String(c.sess.SessionID)))
		}
	}
	c.bus.Publish(topic, bus.GateEvent{
		SessionID: c.sess.SessionID,
		Required:  gate.Required,
		PendingID: gate.PendingID,
	})
}
