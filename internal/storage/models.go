// Package storage provides database models and repositories for lorekeep.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TrainingStatus is the externally observable lifecycle of a knowledge base.
type TrainingStatus string

const (
	TrainingStatusInit     TrainingStatus = "init"
	TrainingStatusQueued   TrainingStatus = "queued"
	TrainingStatusTraining TrainingStatus = "training"
	TrainingStatusReady    TrainingStatus = "ready"
	TrainingStatusError    TrainingStatus = "error"
	TrainingStatusStopped  TrainingStatus = "stopped"
)

// Permission is a knowledge-base membership level with a total order.
type Permission string

const (
	PermissionViewer Permission = "viewer"
	PermissionEditor Permission = "editor"
	PermissionAdmin  Permission = "admin"
	PermissionOwner  Permission = "owner"
)

var permissionRank = map[Permission]int{
	PermissionViewer: 1,
	PermissionEditor: 2,
	PermissionAdmin:  3,
	PermissionOwner:  4,
}

// AtLeast reports whether p grants at least the rights of other.
func (p Permission) AtLeast(other Permission) bool {
	return permissionRank[p] >= permissionRank[other]
}

// Valid reports whether p is a known permission level.
func (p Permission) Valid() bool {
	_, ok := permissionRank[p]
	return ok
}

// DocumentKind is a supported source format.
type DocumentKind string

const (
	DocumentKindPDF  DocumentKind = "pdf"
	DocumentKindDOCX DocumentKind = "docx"
	DocumentKindXLSX DocumentKind = "xlsx"
	DocumentKindMD   DocumentKind = "md"
	DocumentKindHTML DocumentKind = "html"
	DocumentKindTXT  DocumentKind = "txt"
)

// DocumentStatus is the per-document processing state.
type DocumentStatus string

const (
	DocumentStatusPending DocumentStatus = "pending"
	DocumentStatusParsing DocumentStatus = "parsing"
	DocumentStatusChunked DocumentStatus = "chunked"
	DocumentStatusIndexed DocumentStatus = "indexed"
	DocumentStatusFailed  DocumentStatus = "failed"
)

// ChatStatus is the lifecycle state of a chat.
type ChatStatus string

const (
	ChatStatusActive   ChatStatus = "active"
	ChatStatusInactive ChatStatus = "inactive"
	ChatStatusArchived ChatStatus = "archived"
	ChatStatusDeleted  ChatStatus = "deleted"
)

// ChatMode selects how inbound user messages are answered.
type ChatMode string

const (
	ChatModeAuto   ChatMode = "auto"
	ChatModeManual ChatMode = "manual"
	ChatModeMixed  ChatMode = "mixed"
)

// SenderKind identifies who authored a chat message.
type SenderKind string

const (
	SenderThirdParty SenderKind = "third_party"
	SenderOfficial   SenderKind = "official"
	SenderSystem     SenderKind = "system"
)

// MessageType classifies chat message content.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeSystem MessageType = "system"
	MessageTypeTool   MessageType = "tool"
)

// DeliveryState is the bookkeeping state of a webhook delivery.
type DeliveryState string

const (
	DeliveryStatePending   DeliveryState = "pending"
	DeliveryStateSucceeded DeliveryState = "succeeded"
	DeliveryStateExhausted DeliveryState = "exhausted"
)

// User is an account that owns knowledge bases and API keys.
type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	IsAdmin      bool      `json:"is_admin" db:"is_admin"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	SDKKey       string    `json:"-" db:"sdk_key"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// LLMSettings is the per-KB provider override block stored in llm_config.
// Zero-valued fields fall back to the process configuration.
type LLMSettings struct {
	EmbeddingProvider  string `json:"embedding_provider,omitempty"`
	EmbeddingBaseURL   string `json:"embedding_base_url,omitempty"`
	EmbeddingAPIKey    string `json:"embedding_api_key,omitempty"`
	EmbeddingModel     string `json:"embedding_model,omitempty"`
	EmbeddingDimension int    `json:"embedding_dimension,omitempty"`
	ChatProvider       string `json:"chat_provider,omitempty"`
	ChatBaseURL        string `json:"chat_base_url,omitempty"`
	ChatAPIKey         string `json:"chat_api_key,omitempty"`
	ChatModel          string `json:"chat_model,omitempty"`
}

// KnowledgeBase is a named corpus plus its vector and lexical indexes.
type KnowledgeBase struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	OwnerID          uuid.UUID       `json:"owner_id" db:"owner_id"`
	Name             string          `json:"name" db:"name"`
	Domain           string          `json:"domain" db:"domain"`
	ExampleQueries   json.RawMessage `json:"example_queries" db:"example_queries"`
	EntityTypes      json.RawMessage `json:"entity_types" db:"entity_types"`
	LLMConfig        json.RawMessage `json:"llm_config" db:"llm_config"`
	TrainingStatus   TrainingStatus  `json:"training_status" db:"training_status"`
	TrainingProgress int             `json:"training_progress" db:"training_progress"`
	ProcessedDocs    int             `json:"processed_docs" db:"processed_docs"`
	TotalDocs        int             `json:"total_docs" db:"total_docs"`
	ErrorMessage     string          `json:"error_message,omitempty" db:"error_message"`
	QueuedAt         *time.Time      `json:"queued_at,omitempty" db:"queued_at"`
	TrainedAt        *time.Time      `json:"trained_at,omitempty" db:"trained_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// LLMSettings decodes the llm_config block; malformed config reads as empty
// so callers fall back to process defaults.
func (kb *KnowledgeBase) LLMSettings() LLMSettings {
	var s LLMSettings
	if len(kb.LLMConfig) > 0 {
		_ = json.Unmarshal(kb.LLMConfig, &s)
	}
	return s
}

// Membership grants a user a permission level on a knowledge base.
type Membership struct {
	KBID       uuid.UUID  `json:"kb_id" db:"kb_id"`
	UserID     uuid.UUID  `json:"user_id" db:"user_id"`
	Permission Permission `json:"permission" db:"permission"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Document is an ingested source file.
type Document struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	KBID         uuid.UUID       `json:"kb_id" db:"kb_id"`
	Title        string          `json:"title" db:"title"`
	SourceURL    string          `json:"source_url,omitempty" db:"source_url"`
	ContentHash  string          `json:"content_hash" db:"content_hash"`
	SizeBytes    int64           `json:"size_bytes" db:"size_bytes"`
	Kind         DocumentKind    `json:"kind" db:"kind"`
	Status       DocumentStatus  `json:"status" db:"status"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	ChunkCount   int             `json:"chunk_count" db:"chunk_count"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Chunk is the retrieval unit: a bounded slice of a document's text.
type Chunk struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	DocumentID uuid.UUID       `json:"document_id" db:"document_id"`
	KBID       uuid.UUID       `json:"kb_id" db:"kb_id"`
	Ordinal    int             `json:"ordinal" db:"ordinal"`
	Text       string          `json:"text" db:"text"`
	SizeBytes  int             `json:"size_bytes" db:"size_bytes"`
	TokenCount int             `json:"token_count" db:"token_count"`
	Metadata   json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// EmbeddingRecord is bookkeeping for a vector written to the vector store.
type EmbeddingRecord struct {
	ChunkID   uuid.UUID `json:"chunk_id" db:"chunk_id"`
	KBID      uuid.UUID `json:"kb_id" db:"kb_id"`
	Model     string    `json:"model" db:"model"`
	Dimension int       `json:"dimension" db:"dimension"`
	Checksum  string    `json:"checksum" db:"checksum"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Chat is a conversation between an external user and a knowledge base.
type Chat struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	KBID             uuid.UUID  `json:"kb_id" db:"kb_id"`
	ThirdPartyUserID int64      `json:"third_party_user_id" db:"third_party_user_id"`
	Status           ChatStatus `json:"status" db:"status"`
	Mode             ChatMode   `json:"mode" db:"mode"`
	MessageCount     int        `json:"message_count" db:"message_count"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// ChatMessage is an immutable chat event. Seq is dense per chat and defines
// both persistence and delivery order.
type ChatMessage struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	ChatID      uuid.UUID       `json:"chat_id" db:"chat_id"`
	Seq         int64           `json:"seq" db:"seq"`
	SenderKind  SenderKind      `json:"sender_kind" db:"sender_kind"`
	SenderID    string          `json:"sender_id" db:"sender_id"`
	MessageType MessageType     `json:"message_type" db:"message_type"`
	Content     string          `json:"content" db:"content"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// APIKey authenticates machine callers. The token itself is never stored.
type APIKey struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	UserID     uuid.UUID  `json:"user_id" db:"user_id"`
	Name       string     `json:"name" db:"name"`
	Prefix     string     `json:"prefix" db:"prefix"`
	Salt       string     `json:"-" db:"salt"`
	TokenHash  string     `json:"-" db:"token_hash"`
	Scopes     string     `json:"scopes" db:"scopes"` // comma separated
	RateLimit  int        `json:"rate_limit" db:"rate_limit"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	UsageCount int64      `json:"usage_count" db:"usage_count"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Webhook is a subscriber endpoint for core events.
type Webhook struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	UserID      uuid.UUID       `json:"user_id" db:"user_id"`
	URL         string          `json:"url" db:"url"`
	Secret      string          `json:"-" db:"secret"`
	Events      string          `json:"events" db:"events"` // comma separated, * = all
	Headers     json.RawMessage `json:"headers,omitempty" db:"headers"`
	TimeoutS    int             `json:"timeout_s" db:"timeout_s"`
	MaxAttempts int             `json:"max_attempts" db:"max_attempts"`
	BackoffBase int             `json:"backoff_base_s" db:"backoff_base_s"`
	IsActive    bool            `json:"is_active" db:"is_active"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// WebhookDelivery records one event bound for one webhook across attempts.
type WebhookDelivery struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	WebhookID     uuid.UUID     `json:"webhook_id" db:"webhook_id"`
	EventType     string        `json:"event_type" db:"event_type"`
	EventID       uuid.UUID     `json:"event_id" db:"event_id"`
	Payload       string        `json:"payload" db:"payload"`
	Attempt       int           `json:"attempt" db:"attempt"`
	LastStatus    int           `json:"last_status" db:"last_status"`
	LastError     string        `json:"last_error,omitempty" db:"last_error"`
	NextAttemptAt time.Time     `json:"next_attempt_at" db:"next_attempt_at"`
	DeliveredAt   *time.Time    `json:"delivered_at,omitempty" db:"delivered_at"`
	State         DeliveryState `json:"state" db:"state"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// UsageRecord aggregates query counters per KB per day. APIKeyID is
// empty for session-authenticated queries.
type UsageRecord struct {
	KBID         uuid.UUID `json:"kb_id" db:"kb_id"`
	APIKeyID     string    `json:"api_key_id,omitempty" db:"api_key_id"`
	Day          string    `json:"day" db:"day"` // YYYY-MM-DD (UTC)
	Queries      int64     `json:"queries" db:"queries"`
	CacheHits    int64     `json:"cache_hits" db:"cache_hits"`
	LatencyMsSum int64     `json:"latency_ms_sum" db:"latency_ms_sum"`
}
