package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/lorekeep-ai/lorekeep/internal/chat"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/kb"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

// ChatHandler serves the /chats family plus the websocket upgrades.
type ChatHandler struct {
	manager  *chat.Manager
	kbs      *kb.Service
	chats    *storage.ChatRepository
	log      *observability.Logger
	upgrader websocket.Upgrader
}

// NewChatHandler wires the chat routes.
func NewChatHandler(manager *chat.Manager, kbs *kb.Service,
	chats *storage.ChatRepository, log *observability.Logger) *ChatHandler {

	return &ChatHandler{
		manager: manager,
		kbs:     kbs,
		chats:   chats,
		log:     log.WithComponent("chat-api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// API keys authenticate callers; browser origins are not
			// part of the trust model here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// List handles GET /chats?kb_id=...&include_deleted=.
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	kbID, err := queryUUID(r, "kb_id")
	if err != nil {
		WriteError(w, err)
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	chats, err := h.manager.List(r.Context(), actor(r), kbID, includeDeleted)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, chats)
}

// Get handles GET /chats/{chatID}.
func (h *ChatHandler) Get(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathUUID(r, "chatID")
	if err != nil {
		WriteError(w, err)
		return
	}
	row, err := h.chats.GetByID(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, faults.New(faults.KindNotFound, "chat not found"))
			return
		}
		WriteError(w, faults.Wrap(faults.KindDatabaseError, err, "load chat"))
		return
	}
	if _, err := h.kbs.Authorize(r.Context(), row.KBID, actor(r), storage.PermissionViewer); err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, row)
}

// Messages handles GET /chats/{chatID}/messages?after_seq=&limit=.
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathUUID(r, "chatID")
	if err != nil {
		WriteError(w, err)
		return
	}
	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := h.manager.Messages(r.Context(), actor(r), chatID, afterSeq, limit)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, msgs)
}

type modeDTO struct {
	Mode string `json:"mode"`
}

// SwitchMode handles POST /chats/{chatID}/mode.
func (h *ChatHandler) SwitchMode(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathUUID(r, "chatID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var dto modeDTO
	if err := decode(r, &dto); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.manager.SwitchMode(r.Context(), actor(r), chatID, dto.Mode); err != nil {
		WriteError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "mode updated")
}

// Delete handles DELETE /chats/{chatID}.
func (h *ChatHandler) Delete(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathUUID(r, "chatID")
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.manager.Delete(r.Context(), actor(r), chatID); err != nil {
		WriteError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "chat deleted")
}

// Restore handles POST /chats/{chatID}/restore.
func (h *ChatHandler) Restore(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathUUID(r, "chatID")
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.manager.Restore(r.Context(), actor(r), chatID); err != nil {
		WriteError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "chat restored")
}

// Join handles GET /chats/{chatID}/ws: a staff member joins an existing
// chat over a websocket.
func (h *ChatHandler) Join(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathUUID(r, "chatID")
	if err != nil {
		WriteError(w, err)
		return
	}
	lastSeen, err := lastSeenParam(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	// Authorize before the upgrade so failures stay proper HTTP errors.
	sess, replay, err := h.manager.Join(r.Context(), actor(r), chatID, lastSeen)
	if err != nil {
		WriteError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.manager.Leave(r.Context(), sess)
		return
	}
	chat.Serve(r.Context(), conn, h.manager, sess, replay)
}

// Open handles GET /knowledge-bases/{kbID}/chat/ws?user_id=...: an
// end-user conversation, creating or resuming the active chat.
func (h *ChatHandler) Open(w http.ResponseWriter, r *http.Request) {
	kbID, err := pathUUID(r, "kbID")
	if err != nil {
		WriteError(w, err)
		return
	}
	thirdPartyID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || thirdPartyID <= 0 {
		WriteError(w, faults.New(faults.KindValidation, "a positive numeric user_id is required"))
		return
	}
	lastSeen, err := lastSeenParam(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	// The API key must at least view the KB on behalf of its end user.
	if _, err := h.kbs.Authorize(r.Context(), kbID, actor(r), storage.PermissionViewer); err != nil {
		WriteError(w, err)
		return
	}

	sess, replay, err := h.manager.OpenUser(r.Context(), kbID, thirdPartyID, lastSeen)
	if err != nil {
		WriteError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.manager.Leave(r.Context(), sess)
		return
	}
	chat.Serve(r.Context(), conn, h.manager, sess, replay)
}
