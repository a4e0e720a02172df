package session

// DeriveGate recomputes the gate from the transcript and annotations.
// The gate is Pending exactly when the most recent reply lacks a complete
// annotation. Persisted gate flags are never trusted on their own; every
// load and every mutation boundary calls this instead.
func DeriveGate(s *Session) Gate {
	last, ok := s.LastReply()
	if !ok {
		return Gate{}
	}
	if ann, ok := s.Annotations[last.ID]; ok && ann.Complete() {
		return Gate{}
	}
	return Gate{Required: true, PendingID: last.ID}
}

// RecomputeGate derives the gate and stores it back on the aggregate.
func (s *Session) RecomputeGate() Gate {
	s.Gate = DeriveGate(s)
	return s.Gate
}
