// Package chat runs live sessions between third-party users and a
// knowledge base, with optional staff participation. Each chat has one
// hub whose run loop is the only writer; message persistence order and
// socket delivery order are the same by construction.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

// Frame types on the server-to-client wire.
const (
	FrameMessage = "message" // a persisted chat message
	FrameDelta   = "delta"   // one streamed assistant token fragment
	FrameTyping  = "typing"
	FrameJoined  = "joined"
	FrameLeft    = "left"
	FrameMode    = "mode"
	FrameClosed  = "closed"
	FrameError   = "error"
)

// Close codes sent when the server ends a socket.
const (
	CloseOverflow = 4008 // outbound queue overflow; reconnect and resume
	CloseDeleted  = 4009 // chat deleted
	CloseIdle     = 4010 // idle reap
)

// Frame is one server-to-client wire message.
type Frame struct {
	Type    string               `json:"type"`
	ChatID  uuid.UUID            `json:"chat_id"`
	Message *storage.ChatMessage `json:"message,omitempty"`
	Delta   string               `json:"delta,omitempty"`
	Sender  string               `json:"sender,omitempty"`
	Mode    storage.ChatMode     `json:"mode,omitempty"`
	Reason  string               `json:"reason,omitempty"`
}

// Role is the population a session belongs to.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Session is one attached socket. The transport drains Frames and
// watches Done; everything else goes through the Manager.
type Session struct {
	ID       uuid.UUID
	ChatID   uuid.UUID
	Role     Role
	SenderID string

	out       chan Frame
	done      chan struct{}
	once      sync.Once
	closeCode int
	reason    string
}

func newSession(chatID uuid.UUID, role Role, senderID string, queue int) *Session {
	return &Session{
		ID:       uuid.New(),
		ChatID:   chatID,
		Role:     role,
		SenderID: senderID,
		out:      make(chan Frame, queue),
		done:     make(chan struct{}),
	}
}

// Frames is the outbound queue the transport drains.
func (s *Session) Frames() <-chan Frame { return s.out }

// Done closes when the hub detaches the session.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseCode reports why the session ended; 0 for a client-initiated
// close.
func (s *Session) CloseCode() (int, string) { return s.closeCode, s.reason }

func (s *Session) close(code int, reason string) {
	s.once.Do(func() {
		s.closeCode = code
		s.reason = reason
		close(s.done)
	})
}

// push enqueues a frame. Overflow closes the session; a slow consumer
// must reconnect and resume rather than stall the hub.
func (s *Session) push(f Frame) {
	select {
	case <-s.done:
	case s.out <- f:
	default:
		s.close(CloseOverflow, "outbound queue overflow")
	}
}

// hub owns one chat's live state. All mutations run as closures on the
// run loop.
type hub struct {
	chatID uuid.UUID
	kb     *storage.KnowledgeBase

	cmds     chan func()
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// run-loop state, never touched from outside
	sessions     map[uuid.UUID]*Session
	lastTyping   map[string]time.Time
	lastActivity time.Time

	drain          time.Duration
	typingInterval time.Duration
}

func newHub(chatID uuid.UUID, kbRow *storage.KnowledgeBase, drain, typingInterval time.Duration) *hub {
	h := &hub{
		chatID:         chatID,
		kb:             kbRow,
		cmds:           make(chan func(), 128),
		stop:           make(chan struct{}),
		sessions:       make(map[uuid.UUID]*Session),
		lastTyping:     make(map[string]time.Time),
		lastActivity:   time.Now(),
		drain:          drain,
		typingInterval: typingInterval,
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *hub) run() {
	defer h.wg.Done()
	for {
		select {
		case fn := <-h.cmds:
			fn()
		case <-h.stop:
			// Execute whatever was already queued, then stop.
			for {
				select {
				case fn := <-h.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post runs fn on the hub loop, blocking until it completes. Returns
// false when the hub is already shut down.
func (h *hub) post(ctx context.Context, fn func()) bool {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case h.cmds <- wrapped:
	case <-h.stop:
		return false
	case <-ctx.Done():
		return false
	}
	select {
	case <-finished:
		return true
	case <-h.stop:
		return false
	}
}

// shutdown broadcasts a closed frame, waits the drain period for
// transports to flush, then detaches everyone.
func (h *hub) shutdown(code int, reason string) {
	done := make(chan struct{})
	select {
	case h.cmds <- func() {
		defer close(done)
		h.broadcast(Frame{Type: FrameClosed, ChatID: h.chatID, Reason: reason})
	}:
		<-done
	case <-h.stop:
		return
	}

	time.Sleep(h.drain)

	final := make(chan struct{})
	select {
	case h.cmds <- func() {
		defer close(final)
		for _, s := range h.sessions {
			s.close(code, reason)
		}
		h.sessions = map[uuid.UUID]*Session{}
	}:
		<-final
	case <-h.stop:
		return
	}
	h.stopOnce.Do(func() { close(h.stop) })
	h.wg.Wait()
}

// Everything below runs on the hub loop.

func (h *hub) attach(s *Session) {
	h.sessions[s.ID] = s
	h.lastActivity = time.Now()
}

func (h *hub) detach(id uuid.UUID, code int, reason string) (wasAdmin, adminsLeft bool) {
	s, ok := h.sessions[id]
	if !ok {
		return false, h.hasAdmin()
	}
	delete(h.sessions, id)
	s.close(code, reason)
	h.lastActivity = time.Now()
	return s.Role == RoleAdmin, h.hasAdmin()
}

func (h *hub) hasAdmin() bool {
	for _, s := range h.sessions {
		if s.Role == RoleAdmin {
			return true
		}
	}
	return false
}

func (h *hub) broadcast(f Frame) {
	for _, s := range h.sessions {
		s.push(f)
	}
}

// broadcastAdmins delivers only to staff sockets (manual mode).
func (h *hub) broadcastAdmins(f Frame) {
	for _, s := range h.sessions {
		if s.Role == RoleAdmin {
			s.push(f)
		}
	}
}

func (h *hub) broadcastAdminsExcept(skip uuid.UUID, f Frame) {
	for _, s := range h.sessions {
		if s.Role == RoleAdmin && s.ID != skip {
			s.push(f)
		}
	}
}

// typing broadcasts a debounced typing indicator to everyone else.
func (h *hub) typing(senderID string) {
	now := time.Now()
	if last, ok := h.lastTyping[senderID]; ok && now.Sub(last) < h.typingInterval {
		return
	}
	h.lastTyping[senderID] = now
	for _, s := range h.sessions {
		if s.SenderID != senderID {
			s.push(Frame{Type: FrameTyping, ChatID: h.chatID, Sender: senderID})
		}
	}
}
