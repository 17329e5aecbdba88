package chat

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 64 << 10
)

// ClientFrame is one client-to-server wire message.
type ClientFrame struct {
	Type    string `json:"type"` // message | typing
	Content string `json:"content,omitempty"`
}

// Serve pumps a websocket against a session until either side closes.
// Replay is delivered before live frames so the client catches up in
// order.
func Serve(ctx context.Context, conn *websocket.Conn, m *Manager, sess *Session,
	replay []*storage.ChatMessage) {

	defer conn.Close()
	defer m.Leave(ctx, sess)

	go readPump(ctx, conn, m, sess)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	for _, msg := range replay {
		if err := conn.WriteJSON(Frame{Type: FrameMessage, ChatID: sess.ChatID, Message: msg}); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			code, reason := sess.CloseCode()
			if code == 0 {
				code = websocket.CloseNormalClosure
			}
			deadline := time.Now().Add(writeWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), deadline)
			return
		case frame := <-sess.Frames():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func readPump(ctx context.Context, conn *websocket.Conn, m *Manager, sess *Session) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			sess.close(0, "")
			return
		}
		switch frame.Type {
		case "message":
			if err := m.Send(ctx, sess, frame.Content); err != nil {
				sess.push(Frame{Type: FrameError, ChatID: sess.ChatID, Reason: faults.Message(err)})
			}
		case "typing":
			m.Typing(ctx, sess)
		}
	}
}
