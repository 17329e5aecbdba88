package chat

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/events"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/kb"
	"github.com/lorekeep-ai/lorekeep/internal/llm"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/retrieval"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

const (
	reapInterval   = time.Minute
	historyContext = 10 // prior turns fed to the LLM
	contextChunks  = 5  // retrieved chunks fed to the LLM
)

// Manager owns the hub set and the chat lifecycle.
type Manager struct {
	cfg     config.ChatConfig
	repos   *storage.Repositories
	kbs     *kb.Service
	engine  *retrieval.Engine
	llms    *llm.Service
	bus     *events.Bus
	log     *observability.Logger
	metrics *observability.Metrics

	mu   sync.Mutex
	hubs map[uuid.UUID]*hub

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg config.ChatConfig, repos *storage.Repositories, kbs *kb.Service,
	engine *retrieval.Engine, llms *llm.Service, bus *events.Bus,
	log *observability.Logger, metrics *observability.Metrics) *Manager {

	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 50
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Hour
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		repos:   repos,
		kbs:     kbs,
		engine:  engine,
		llms:    llms,
		bus:     bus,
		log:     log.WithComponent("chat"),
		metrics: metrics,
		hubs:    make(map[uuid.UUID]*hub),
	}
}

// Start launches the idle reaper.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.reap(ctx)
}

// Close tears down every hub.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	hubs := make([]*hub, 0, len(m.hubs))
	for _, h := range m.hubs {
		hubs = append(hubs, h)
	}
	m.hubs = map[uuid.UUID]*hub{}
	m.mu.Unlock()
	for _, h := range hubs {
		h.shutdown(CloseIdle, "server shutting down")
	}
}

// OpenUser attaches a third-party user to their chat on a knowledge
// base, creating the chat on first contact. Replayed history is
// returned for the transport to deliver before live frames.
func (m *Manager) OpenUser(ctx context.Context, kbID uuid.UUID, thirdPartyUserID int64,
	lastSeen *uuid.UUID) (*Session, []*storage.ChatMessage, error) {

	kbRow, err := m.repos.KnowledgeBases.GetByID(ctx, kbID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nil, faults.New(faults.KindNotFound, "knowledge base not found")
		}
		return nil, nil, faults.Wrap(faults.KindDatabaseError, err, "load knowledge base")
	}

	chat, err := m.repos.Chats.FindActive(ctx, kbID, thirdPartyUserID)
	if err == storage.ErrNotFound {
		chat = &storage.Chat{KBID: kbID, ThirdPartyUserID: thirdPartyUserID}
		if err := m.repos.Chats.Create(ctx, chat); err != nil {
			return nil, nil, faults.Wrap(faults.KindDatabaseError, err, "create chat")
		}
		m.publish(events.ChatStarted, chat, nil)
	} else if err != nil {
		return nil, nil, faults.Wrap(faults.KindDatabaseError, err, "find chat")
	}
	if chat.Status == storage.ChatStatusInactive {
		if err := m.repos.Chats.UpdateStatus(ctx, chat.ID, storage.ChatStatusActive); err != nil {
			return nil, nil, faults.Wrap(faults.KindDatabaseError, err, "reactivate chat")
		}
		chat.Status = storage.ChatStatusActive
	}

	return m.open(ctx, chat, kbRow, RoleUser, "user:"+strconv.FormatInt(thirdPartyUserID, 10), lastSeen)
}

// Join attaches a staff socket. Editor rights on the KB are enough to
// observe and answer; mode switching needs admin.
func (m *Manager) Join(ctx context.Context, actor *storage.User, chatID uuid.UUID,
	lastSeen *uuid.UUID) (*Session, []*storage.ChatMessage, error) {

	chat, kbRow, err := m.authorized(ctx, actor, chatID, storage.PermissionEditor)
	if err != nil {
		return nil, nil, err
	}
	if chat.Status == storage.ChatStatusDeleted {
		return nil, nil, faults.New(faults.KindNotFound, "chat is deleted")
	}
	return m.open(ctx, chat, kbRow, RoleAdmin, "admin:"+actor.ID.String(), lastSeen)
}

func (m *Manager) open(ctx context.Context, chat *storage.Chat, kbRow *storage.KnowledgeBase,
	role Role, senderID string, lastSeen *uuid.UUID) (*Session, []*storage.ChatMessage, error) {

	replay, err := m.history(ctx, chat.ID, lastSeen)
	if err != nil {
		return nil, nil, err
	}

	h := m.hubFor(chat, kbRow)
	sess := newSession(chat.ID, role, senderID, m.cfg.OutboundQueue)
	ok := h.post(ctx, func() {
		h.attach(sess)
		if role == RoleAdmin {
			h.broadcastAdminsExcept(sess.ID, Frame{
				Type: FrameJoined, ChatID: chat.ID, Sender: senderID,
			})
		}
	})
	if !ok {
		return nil, nil, faults.New(faults.KindConflict, "chat is closing")
	}
	m.metrics.ChatConnections.Inc()
	return sess, replay, nil
}

func (m *Manager) history(ctx context.Context, chatID uuid.UUID, lastSeen *uuid.UUID) ([]*storage.ChatMessage, error) {
	if lastSeen != nil {
		seq, err := m.repos.Messages.SeqOf(ctx, chatID, *lastSeen)
		if err == nil {
			msgs, err := m.repos.Messages.ListAfterSeq(ctx, chatID, seq, m.cfg.ReplayLimit)
			if err != nil {
				return nil, faults.Wrap(faults.KindDatabaseError, err, "replay messages")
			}
			return msgs, nil
		}
		// Unknown resume point falls back to the recent window.
	}
	msgs, err := m.repos.Messages.ListRecent(ctx, chatID, m.cfg.ReplayLimit)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabaseError, err, "replay messages")
	}
	return msgs, nil
}

// Leave detaches a session. When the last staff socket leaves a manual
// chat the mode optionally reverts to auto.
func (m *Manager) Leave(ctx context.Context, sess *Session) {
	m.mu.Lock()
	h := m.hubs[sess.ChatID]
	m.mu.Unlock()
	if h == nil {
		sess.close(0, "")
		return
	}

	var wasAdmin, adminsLeft bool
	h.post(ctx, func() {
		wasAdmin, adminsLeft = h.detach(sess.ID, 0, "")
		if wasAdmin {
			h.broadcast(Frame{Type: FrameLeft, ChatID: sess.ChatID, Sender: sess.SenderID})
		}
	})
	m.metrics.ChatConnections.Dec()

	if wasAdmin && !adminsLeft && m.cfg.RevertToAuto {
		chat, err := m.repos.Chats.GetByID(ctx, sess.ChatID)
		if err == nil && chat.Mode == storage.ChatModeManual {
			if err := m.repos.Chats.UpdateMode(ctx, chat.ID, storage.ChatModeAuto); err == nil {
				h.post(ctx, func() {
					h.broadcast(Frame{Type: FrameMode, ChatID: chat.ID, Mode: storage.ChatModeAuto})
				})
			}
		}
	}
}

// Send persists an inbound message and dispatches it per the chat
// mode. Runs on the hub loop, so per-chat order is total.
func (m *Manager) Send(ctx context.Context, sess *Session, content string) error {
	if content == "" {
		return faults.New(faults.KindValidation, "message content is required")
	}
	chat, err := m.repos.Chats.GetByID(ctx, sess.ChatID)
	if err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "load chat")
	}
	if chat.Status == storage.ChatStatusDeleted || chat.Status == storage.ChatStatusArchived {
		return faults.New(faults.KindConflict, "chat is closed")
	}

	m.mu.Lock()
	h := m.hubs[sess.ChatID]
	m.mu.Unlock()
	if h == nil {
		return faults.New(faults.KindConflict, "chat has no live hub")
	}

	var dispatchErr error
	ok := h.post(ctx, func() {
		dispatchErr = m.dispatch(ctx, h, chat, sess, content)
	})
	if !ok {
		return faults.New(faults.KindConflict, "chat is closing")
	}
	return dispatchErr
}

// dispatch runs on the hub loop.
func (m *Manager) dispatch(ctx context.Context, h *hub, chat *storage.Chat, sess *Session, content string) error {
	senderKind := storage.SenderThirdParty
	if sess.Role == RoleAdmin {
		senderKind = storage.SenderOfficial
	}
	msg := &storage.ChatMessage{
		ChatID:     chat.ID,
		SenderKind: senderKind,
		SenderID:   sess.SenderID,
		Content:    content,
	}
	if err := m.repos.Messages.Append(ctx, msg); err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "persist message")
	}
	m.metrics.ChatMessages.WithLabelValues(string(senderKind)).Inc()

	mode := effectiveMode(chat.Mode, h.hasAdmin())
	frame := Frame{Type: FrameMessage, ChatID: chat.ID, Message: msg}

	// Staff replies and manual-mode user messages go everywhere the
	// mode allows; auto mode additionally answers.
	switch {
	case sess.Role == RoleAdmin:
		h.broadcast(frame)
	case mode == storage.ChatModeManual:
		h.broadcastAdmins(frame)
		sess.push(frame) // sender sees their own message
	default: // auto
		h.broadcast(frame)
		m.autoAnswer(ctx, h, chat)
	}
	return nil
}

// autoAnswer retrieves KB context, streams a completion to all sockets
// and persists the assistant message at stream end.
func (m *Manager) autoAnswer(ctx context.Context, h *hub, chat *storage.Chat) {
	chatLog := m.log.WithKB(h.kb.ID.String()).WithChat(chat.ID.String())

	history, err := m.repos.Messages.ListRecent(ctx, chat.ID, historyContext)
	if err != nil {
		chatLog.Error().Err(err).Msg("load history for auto answer")
		return
	}
	if len(history) == 0 {
		return
	}
	question := history[len(history)-1].Content

	prompt := "You answer questions using only the provided knowledge base excerpts. " +
		"Say so when the excerpts do not cover the question."
	if res, err := m.engine.Search(ctx, h.kb, retrieval.Query{Text: question, TopK: contextChunks}); err != nil {
		chatLog.Warn().Err(err).Msg("retrieval unavailable, answering without context")
	} else {
		for i, c := range res.Chunks {
			prompt += fmt.Sprintf("\n\n[%d] %s", i+1, c.Text)
		}
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: prompt}}
	for _, msg := range history {
		role := llm.RoleUser
		if msg.SenderKind != storage.SenderThirdParty {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: msg.Content})
	}

	chatter, err := m.llms.ChatterFor(h.kb.LLMSettings())
	if err != nil {
		chatLog.Error().Err(err).Msg("resolve chat provider")
		h.broadcast(Frame{Type: FrameError, ChatID: chat.ID, Reason: faults.Message(err)})
		return
	}

	reply, err := chatter.StreamChat(ctx, messages, func(delta string) error {
		h.broadcast(Frame{Type: FrameDelta, ChatID: chat.ID, Delta: delta, Sender: "assistant"})
		return nil
	})
	if err != nil {
		chatLog.Error().Err(err).Msg("chat completion failed")
		h.broadcast(Frame{Type: FrameError, ChatID: chat.ID, Reason: faults.Message(err)})
		return
	}

	assistant := &storage.ChatMessage{
		ChatID:     chat.ID,
		SenderKind: storage.SenderOfficial,
		SenderID:   "assistant",
		Content:    reply,
	}
	if err := m.repos.Messages.Append(ctx, assistant); err != nil {
		chatLog.Error().Err(err).Msg("persist assistant message")
		return
	}
	m.metrics.ChatMessages.WithLabelValues(string(storage.SenderOfficial)).Inc()
	h.broadcast(Frame{Type: FrameMessage, ChatID: chat.ID, Message: assistant})
}

// Typing forwards a debounced typing indicator; never persisted.
func (m *Manager) Typing(ctx context.Context, sess *Session) {
	m.mu.Lock()
	h := m.hubs[sess.ChatID]
	m.mu.Unlock()
	if h != nil {
		h.post(ctx, func() { h.typing(sess.SenderID) })
	}
}

// SwitchMode changes how inbound messages are answered. Admin rights
// on the KB required. Names whitelisted by chat.extra_modes behave as
// manual.
func (m *Manager) SwitchMode(ctx context.Context, actor *storage.User, chatID uuid.UUID, mode string) error {
	chat, _, err := m.authorized(ctx, actor, chatID, storage.PermissionAdmin)
	if err != nil {
		return err
	}

	target := storage.ChatMode(mode)
	switch target {
	case storage.ChatModeAuto, storage.ChatModeManual, storage.ChatModeMixed:
	default:
		if !m.extraMode(mode) {
			return faults.Newf(faults.KindValidation, "unknown chat mode %q", mode)
		}
		target = storage.ChatModeManual
	}

	if err := m.repos.Chats.UpdateMode(ctx, chat.ID, target); err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "switch mode")
	}
	m.mu.Lock()
	h := m.hubs[chatID]
	m.mu.Unlock()
	if h != nil {
		h.post(ctx, func() {
			h.broadcast(Frame{Type: FrameMode, ChatID: chatID, Mode: target})
		})
	}
	return nil
}

// Delete soft deletes a chat; live sockets get a closed frame and the
// hub is torn down. History stays for Restore.
func (m *Manager) Delete(ctx context.Context, actor *storage.User, chatID uuid.UUID) error {
	chat, _, err := m.authorized(ctx, actor, chatID, storage.PermissionAdmin)
	if err != nil {
		return err
	}
	if chat.Status == storage.ChatStatusDeleted {
		return faults.New(faults.KindConflict, "chat is already deleted")
	}
	if err := m.repos.Chats.UpdateStatus(ctx, chatID, storage.ChatStatusDeleted); err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "delete chat")
	}

	m.mu.Lock()
	h := m.hubs[chatID]
	delete(m.hubs, chatID)
	m.mu.Unlock()
	if h != nil {
		h.shutdown(CloseDeleted, "chat deleted")
	}
	m.publish(events.ChatEnded, chat, map[string]any{"reason": "deleted"})
	return nil
}

// Restore clears a soft delete; new sockets may open again.
func (m *Manager) Restore(ctx context.Context, actor *storage.User, chatID uuid.UUID) error {
	chat, _, err := m.authorized(ctx, actor, chatID, storage.PermissionAdmin)
	if err != nil {
		return err
	}
	if chat.Status != storage.ChatStatusDeleted {
		return faults.New(faults.KindConflict, "chat is not deleted")
	}
	if err := m.repos.Chats.UpdateStatus(ctx, chatID, storage.ChatStatusActive); err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "restore chat")
	}
	return nil
}

// List returns a knowledge base's chats for members.
func (m *Manager) List(ctx context.Context, actor *storage.User, kbID uuid.UUID, includeDeleted bool) ([]*storage.Chat, error) {
	if _, err := m.kbs.Authorize(ctx, kbID, actor, storage.PermissionViewer); err != nil {
		return nil, err
	}
	chats, err := m.repos.Chats.ListByKB(ctx, kbID, includeDeleted)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabaseError, err, "list chats")
	}
	return chats, nil
}

// Messages pages a chat's history for members.
func (m *Manager) Messages(ctx context.Context, actor *storage.User, chatID uuid.UUID,
	afterSeq int64, limit int) ([]*storage.ChatMessage, error) {

	if _, _, err := m.authorized(ctx, actor, chatID, storage.PermissionViewer); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	msgs, err := m.repos.Messages.ListAfterSeq(ctx, chatID, afterSeq, limit)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabaseError, err, "list messages")
	}
	return msgs, nil
}

// reap marks idle chats inactive and tears down their hubs.
func (m *Manager) reap(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.IdleTimeout)
			idle, err := m.repos.Chats.ListIdleActive(ctx, cutoff)
			if err != nil {
				m.log.Error().Err(err).Msg("list idle chats")
				continue
			}
			for _, chat := range idle {
				if err := m.repos.Chats.UpdateStatus(ctx, chat.ID, storage.ChatStatusInactive); err != nil {
					m.log.Warn().Err(err).Str("chat_id", chat.ID.String()).Msg("mark chat inactive")
					continue
				}
				m.mu.Lock()
				h := m.hubs[chat.ID]
				delete(m.hubs, chat.ID)
				m.mu.Unlock()
				if h != nil {
					h.shutdown(CloseIdle, "chat idle")
				}
				m.publish(events.ChatEnded, chat, map[string]any{"reason": "idle"})
			}
		}
	}
}

func (m *Manager) hubFor(chat *storage.Chat, kbRow *storage.KnowledgeBase) *hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hubs[chat.ID]; ok {
		return h
	}
	h := newHub(chat.ID, kbRow, m.cfg.DrainTimeout, m.cfg.TypingInterval)
	m.hubs[chat.ID] = h
	return h
}

// authorized loads the chat and checks the actor's KB membership.
func (m *Manager) authorized(ctx context.Context, actor *storage.User, chatID uuid.UUID,
	need storage.Permission) (*storage.Chat, *storage.KnowledgeBase, error) {

	chat, err := m.repos.Chats.GetByID(ctx, chatID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nil, faults.New(faults.KindNotFound, "chat not found")
		}
		return nil, nil, faults.Wrap(faults.KindDatabaseError, err, "load chat")
	}
	kbRow, err := m.kbs.Authorize(ctx, chat.KBID, actor, need)
	if err != nil {
		return nil, nil, err
	}
	return chat, kbRow, nil
}

func (m *Manager) extraMode(mode string) bool {
	for _, extra := range m.cfg.ExtraModes {
		if extra == mode {
			return true
		}
	}
	return false
}

func (m *Manager) publish(eventType string, chat *storage.Chat, extra map[string]any) {
	data := map[string]any{
		"chat_id":             chat.ID.String(),
		"kb_id":               chat.KBID.String(),
		"third_party_user_id": chat.ThirdPartyUserID,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := m.bus.Publish(events.New(eventType, data, map[string]any{"kb_id": chat.KBID.String()})); err != nil {
		m.log.Warn().Err(err).Str("event", eventType).Msg("publish chat event")
	}
}

// effectiveMode resolves mixed to auto or manual based on staff
// presence.
func effectiveMode(mode storage.ChatMode, hasAdmin bool) storage.ChatMode {
	if mode == storage.ChatModeMixed {
		if hasAdmin {
			return storage.ChatModeManual
		}
		return storage.ChatModeAuto
	}
	return mode
}
