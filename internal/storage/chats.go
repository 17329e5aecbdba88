package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ChatRepository handles chat sessions between third-party users and a
// knowledge base.
type ChatRepository struct {
	db DB
}

// NewChatRepository creates a new chat repository.
func NewChatRepository(db DB) *ChatRepository {
	return &ChatRepository{db: db}
}

const chatColumns = `id, kb_id, third_party_user_id, status, mode, message_count, last_message_at, created_at, updated_at`

// Create inserts a chat session.
func (r *ChatRepository) Create(ctx context.Context, chat *Chat) error {
	if chat.ID == uuid.Nil {
		chat.ID = uuid.New()
	}
	if chat.Mode == "" {
		chat.Mode = ChatModeAuto
	}
	if chat.Status == "" {
		chat.Status = ChatStatusActive
	}
	now := time.Now().UTC()
	chat.CreatedAt = now
	chat.UpdatedAt = now

	query := `
		INSERT INTO chats (` + chatColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		chat.ID, chat.KBID, chat.ThirdPartyUserID, chat.Status, chat.Mode,
		chat.MessageCount, chat.LastMessageAt, chat.CreatedAt, chat.UpdatedAt,
	)
	return err
}

func scanChat(row interface{ Scan(...interface{}) error }) (*Chat, error) {
	chat := &Chat{}
	err := row.Scan(
		&chat.ID, &chat.KBID, &chat.ThirdPartyUserID, &chat.Status, &chat.Mode,
		&chat.MessageCount, &chat.LastMessageAt, &chat.CreatedAt, &chat.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// GetByID retrieves a chat by id, regardless of status.
func (r *ChatRepository) GetByID(ctx context.Context, id uuid.UUID) (*Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE id = $1`
	return scanChat(r.db.QueryRowContext(ctx, query, id))
}

// FindActive returns the non-deleted chat a third-party user already
// has open on a knowledge base, so opening twice reuses the session.
func (r *ChatRepository) FindActive(ctx context.Context, kbID uuid.UUID, thirdPartyUserID int64) (*Chat, error) {
	query := `
		SELECT ` + chatColumns + ` FROM chats
		WHERE kb_id = $1 AND third_party_user_id = $2 AND status IN ('active', 'inactive')
		ORDER BY created_at DESC LIMIT 1
	`
	return scanChat(r.db.QueryRowContext(ctx, query, kbID, thirdPartyUserID))
}

func (r *ChatRepository) queryMany(ctx context.Context, query string, args ...interface{}) ([]*Chat, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// ListByKB returns a knowledge base's chats, most recently active
// first. Deleted chats are excluded unless includeDeleted is set.
func (r *ChatRepository) ListByKB(ctx context.Context, kbID uuid.UUID, includeDeleted bool) ([]*Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE kb_id = $1`
	if !includeDeleted {
		query += ` AND status != 'deleted'`
	}
	query += ` ORDER BY COALESCE(last_message_at, created_at) DESC`
	return r.queryMany(ctx, query, kbID)
}

// ListIdleActive returns active chats whose last activity predates the
// cutoff. The reaper marks them inactive and tears down their hubs.
func (r *ChatRepository) ListIdleActive(ctx context.Context, cutoff time.Time) ([]*Chat, error) {
	query := `
		SELECT ` + chatColumns + ` FROM chats
		WHERE status = 'active' AND COALESCE(last_message_at, created_at) < $1
	`
	return r.queryMany(ctx, query, cutoff.UTC())
}

// UpdateMode switches the answering mode.
func (r *ChatRepository) UpdateMode(ctx context.Context, id uuid.UUID, mode ChatMode) error {
	query := `UPDATE chats SET mode = $1, updated_at = $2 WHERE id = $3`
	res, err := r.db.ExecContext(ctx, query, mode, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus moves a chat through its lifecycle. Deletion is soft;
// message history is kept for restore.
func (r *ChatRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status ChatStatus) error {
	query := `UPDATE chats SET status = $1, updated_at = $2 WHERE id = $3`
	res, err := r.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MessageRepository handles persisted chat messages. Sequence numbers
// are dense per chat and define both persistence and delivery order;
// Append relies on the chat hub being the only writer per chat.
type MessageRepository struct {
	db DB
}

// NewMessageRepository creates a new message repository.
func NewMessageRepository(db DB) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, chat_id, seq, sender_kind, sender_id, message_type, content, metadata, created_at`

// Append persists a message with the next sequence number and bumps
// the chat's counters. The seq subselect is safe because each chat has
// a single writer goroutine.
func (r *MessageRepository) Append(ctx context.Context, msg *ChatMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.MessageType == "" {
		msg.MessageType = MessageTypeText
	}
	msg.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO chat_messages (id, chat_id, seq, sender_kind, sender_id, message_type, content, metadata, created_at)
		VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE chat_id = $2), $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		msg.ID, msg.ChatID, msg.SenderKind, msg.SenderID, msg.MessageType,
		msg.Content, jsonArg(msg.Metadata, "{}"), msg.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}

	if err := r.db.QueryRowContext(ctx, `
		SELECT seq FROM chat_messages WHERE id = $1
	`, msg.ID).Scan(&msg.Seq); err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE chats SET message_count = message_count + 1, last_message_at = $1, updated_at = $1
		WHERE id = $2
	`, msg.CreatedAt, msg.ChatID)
	return err
}

func scanMessage(row interface{ Scan(...interface{}) error }) (*ChatMessage, error) {
	msg := &ChatMessage{}
	err := row.Scan(
		&msg.ID, &msg.ChatID, &msg.Seq, &msg.SenderKind, &msg.SenderID,
		&msg.MessageType, &msg.Content, jsonText{&msg.Metadata}, &msg.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetByID retrieves one message.
func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*ChatMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE id = $1`
	return scanMessage(r.db.QueryRowContext(ctx, query, id))
}

func (r *MessageRepository) queryMany(ctx context.Context, query string, args ...interface{}) ([]*ChatMessage, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// ListRecent returns the last limit messages of a chat in ascending
// sequence order, the shape a joining client replays.
func (r *MessageRepository) ListRecent(ctx context.Context, chatID uuid.UUID, limit int) ([]*ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + ` FROM chat_messages
			WHERE chat_id = $1 ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq ASC
	`
	return r.queryMany(ctx, query, chatID, limit)
}

// ListAfterSeq returns up to limit messages with seq greater than
// after, ascending. Resume delivery is built on this.
func (r *MessageRepository) ListAfterSeq(ctx context.Context, chatID uuid.UUID, after int64, limit int) ([]*ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + ` FROM chat_messages
		WHERE chat_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3
	`
	return r.queryMany(ctx, query, chatID, after, limit)
}

// SeqOf resolves a message id to its sequence number within the chat.
func (r *MessageRepository) SeqOf(ctx context.Context, chatID, messageID uuid.UUID) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, `
		SELECT seq FROM chat_messages WHERE chat_id = $1 AND id = $2
	`, chatID, messageID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return seq, err
}
