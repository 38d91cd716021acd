package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/castwire/castwire/internal/overlay"
)

// wsConn adapts a *websocket.Conn to both registry.Session and
// registry.Subscriber: JSON frames are written as text messages, raw audio
// as binary messages.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) SendJSON(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, body)
}

func (c *wsConn) SendBytes(ctx context.Context, b []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, b)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

func acceptWS(w http.ResponseWriter, r *http.Request) (*wsConn, bool) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, false
	}
	return &wsConn{conn: conn}, true
}

func (s *Server) handleOverlayWS(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	conn, ok := acceptWS(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if err := s.deps.Registry.RegisterOverlay(ctx, name, conn); err != nil {
		_ = conn.conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer s.deps.Registry.UnregisterOverlay(name, conn)
	defer conn.Close()

	_ = conn.SendJSON(ctx, overlay.Hello(Version, ""))

	for {
		_, data, err := conn.conn.Read(ctx)
		if err != nil {
			return
		}
		var evt overlay.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case overlay.EventPong:
			s.deps.Registry.RecordPong(name, conn)
		case overlay.EventEnded:
			// One-shot "play" clip finished; distinct from the TTS streaming
			// pipeline's "stream_ended"/"stream_stopped" below.
			s.deps.Registry.SetChannelState(name, "playing", false)
		case overlay.EventStreamEnded:
			s.deps.Registry.SetChannelState(name, "streaming", false)
		case overlay.EventStreamStopped:
			s.deps.Registry.SetChannelState(name, "streaming", false)
			if err := s.deps.Coordinator.ReportStreamStopped(ctx, name, evt.SpokenText); err != nil {
				s.deps.Logger.Warn("report stream stopped failed", "character", name, "error", err)
			}
		case overlay.EventError:
			s.deps.Logger.Warn("overlay reported error", "character", name, "error", evt.Error)
		}
	}
}

func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	conn, ok := acceptWS(w, r)
	if !ok {
		return
	}
	s.deps.Registry.RegisterDashboard(conn)
	defer s.deps.Registry.UnregisterDashboard(conn)
	defer conn.Close()
	drainWS(r.Context(), conn.conn)
}

func (s *Server) handleWishDashboardWS(w http.ResponseWriter, r *http.Request) {
	conn, ok := acceptWS(w, r)
	if !ok {
		return
	}
	s.deps.Registry.RegisterWishDashboard(conn)
	defer s.deps.Registry.UnregisterWishDashboard(conn)
	defer conn.Close()
	drainWS(r.Context(), conn.conn)
}

func (s *Server) handleLiveChatViewWS(w http.ResponseWriter, r *http.Request) {
	conn, ok := acceptWS(w, r)
	if !ok {
		return
	}
	s.deps.Registry.RegisterLiveChatView(conn)
	defer s.deps.Registry.UnregisterLiveChatView(conn)
	defer conn.Close()
	drainWS(r.Context(), conn.conn)
}

// drainWS blocks reading (and discarding) inbound frames until the
// connection closes or errors, the only way to detect a subscriber going
// away on a connection the server never expects to receive anything on.
func drainWS(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
