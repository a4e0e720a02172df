package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEvent is one bus event forwarded to an observer connection.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

// handleWS streams bus events to an observer over a websocket. Observers
// are read-only: nothing received on the connection mutates state. The
// optional topics query parameter narrows the subscription by prefix.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	prefix := r.URL.Query().Get("topics")
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)
	s.logger.Info("ws: observer connected", "prefix", prefix)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("ws: observer disconnected")
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, wsEvent{Topic: event.Topic, Payload: event.Payload}); err != nil {
				s.logger.Debug("ws: write failed, closing", "error", err.Error())
				return
			}
		}
	}
}
