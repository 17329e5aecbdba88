package storage

// Repositories bundles every repository over one database handle so
// constructors take a single dependency.
type Repositories struct {
	Users          *UserRepository
	KnowledgeBases *KnowledgeBaseRepository
	Memberships    *MembershipRepository
	Documents      *DocumentRepository
	Chunks         *ChunkRepository
	Embeddings     *EmbeddingRepository
	Postings       *PostingRepository
	Chats          *ChatRepository
	Messages       *MessageRepository
	APIKeys        *APIKeyRepository
	Webhooks       *WebhookRepository
	Deliveries     *DeliveryRepository
	Usage          *UsageRepository
}

// NewRepositories wires all repositories to db.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		Users:          NewUserRepository(db),
		KnowledgeBases: NewKnowledgeBaseRepository(db),
		Memberships:    NewMembershipRepository(db),
		Documents:      NewDocumentRepository(db),
		Chunks:         NewChunkRepository(db),
		Embeddings:     NewEmbeddingRepository(db),
		Postings:       NewPostingRepository(db),
		Chats:          NewChatRepository(db),
		Messages:       NewMessageRepository(db),
		APIKeys:        NewAPIKeyRepository(db),
		Webhooks:       NewWebhookRepository(db),
		Deliveries:     NewDeliveryRepository(db),
		Usage:          NewUsageRepository(db),
	}
}

// WithTx returns a bundle whose repositories all run on tx. Use with
// InTx for multi-row writes that must commit together.
func (r *Repositories) WithTx(tx DB) *Repositories {
	return NewRepositories(tx)
}
