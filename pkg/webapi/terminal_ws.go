package webapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"agentdeck/pkg/persistence"
	"agentdeck/pkg/term"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Same-origin enforcement belongs to the reverse proxy in front of
	// the API; the server itself accepts local tooling.
	CheckOrigin: func(*http.Request) bool { return true },
}

// resizeMsg is the JSON control frame clients send as a text message.
// Binary frames in either direction carry raw terminal bytes.
type resizeMsg struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

const wsWriteTimeout = 10 * time.Second

// handleTerminalWS streams a terminal session over a websocket. The
// scrollback buffer is replayed first, then live output; client binary
// frames are written to the PTY and text frames are parsed as control
// messages.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request, id, userID, sessionID string) {
	// Ownership gate before the upgrade.
	sessions, err := s.instances.GetTerminals(id, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var session *term.Session
	for _, candidate := range sessions {
		if candidate.ID == sessionID {
			session = candidate
			break
		}
	}
	if session == nil {
		s.writeJSON(w, http.StatusNotFound, errorPayload{Error: "not found"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed for session %s: %v", sessionID, err)
		return
	}
	defer func() { _ = conn.Close() }()

	subscriberID := persistence.NewID()
	replay, output, detach, err := session.Attach(subscriberID)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
			time.Now().Add(wsWriteTimeout))
		return
	}
	defer detach() // safety net; the normal path detaches below

	if len(replay) > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, replay); err != nil {
			return
		}
	}

	// Writer: PTY output to the socket until the session ends or the
	// client goes away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range output {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(wsWriteTimeout))
	}()

	// Reader: client frames to the PTY. On any read error the subscriber
	// detaches, which closes the output channel and unwinds the writer.
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch messageType {
		case websocket.BinaryMessage:
			if err := session.Write(data); err != nil {
				s.logger.Debug("Write to closed session %s dropped", sessionID)
			}
		case websocket.TextMessage:
			var msg resizeMsg
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "resize" {
				continue
			}
			if msg.Cols > 0 && msg.Rows > 0 {
				_ = session.Resize(msg.Cols, msg.Rows)
			}
		}
	}
	detach()
	<-done
}
