package bus

// Session lifecycle and turn-taking topics.
const (
	TopicSessionStarted  = "session.started"
	TopicSessionLoaded   = "session.loaded"
	TopicMessageAppended = "session.message_appended"
	TopicAwaitingReply   = "session.awaiting_reply"
)

// Analysis gate topics.
const (
	TopicGateRaised  = "gate.raised"
	TopicGateCleared = "gate.cleared"
)

// Event queue topics.
const (
	TopicQueueFlushed = "queue.flushed"
	TopicQueueStalled = "queue.stalled"
)

// MessageAppendedEvent is published whenever a message joins the transcript.
type MessageAppendedEvent struct {
	SessionID string // Session ID
	MessageID string // Message ID
	Role      string // "participant" or "reply"
	Text      string // Message text
}

// GateEvent is published when the analysis gate is raised or cleared.
type GateEvent struct {
	SessionID string // Session ID
	Required  bool   // Gate state after the transition
	PendingID string // Reply message the gate is bound to (raised only)
}

// AwaitingReplyEvent is published when the controller starts or finishes
// waiting on the reply collaborator.
type AwaitingReplyEvent struct {
	SessionID string // Session ID
	Awaiting  bool   // true while a reply request is outstanding
}

// QueueFlushEvent is published after each flush attempt.
type QueueFlushEvent struct {
	SessionID string // Session ID
	Delivered int    // Entries acknowledged in this flush
	Remaining int    // Entries still queued locally
	Err       string // Non-empty when the flush stopped on a failure
}
