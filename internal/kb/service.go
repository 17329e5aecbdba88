// Package kb is the knowledge-base service layer: CRUD, membership and
// permission checks, document lifecycle, and the cascades that keep the
// vector store, lexical index and caches in lockstep with the
// relational rows.
package kb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/cache"
	"github.com/lorekeep-ai/lorekeep/internal/events"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/ingest"
	"github.com/lorekeep-ai/lorekeep/internal/lexical"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
	"github.com/lorekeep-ai/lorekeep/internal/vectorstore"
)

// Service mediates every knowledge-base operation. All methods take the
// acting user and enforce the membership order viewer < editor < admin
// < owner; system admins hold implicit owner rights everywhere.
type Service struct {
	db       *sql.DB
	repos    *storage.Repositories
	pipeline *ingest.Pipeline
	vectors  vectorstore.Store
	index    *lexical.Index
	cache    cache.Client
	bus      *events.Bus
	log      *observability.Logger
}

func NewService(db *sql.DB, repos *storage.Repositories, pipeline *ingest.Pipeline,
	vectors vectorstore.Store, index *lexical.Index, c cache.Client,
	bus *events.Bus, log *observability.Logger) *Service {

	return &Service{
		db:       db,
		repos:    repos,
		pipeline: pipeline,
		vectors:  vectors,
		index:    index,
		cache:    c,
		bus:      bus,
		log:      log.WithComponent("kb"),
	}
}

// Authorize loads the knowledge base and checks that actor holds at
// least the required permission on it.
func (s *Service) Authorize(ctx context.Context, kbID uuid.UUID, actor *storage.User,
	need storage.Permission) (*storage.KnowledgeBase, error) {

	kb, err := s.repos.KnowledgeBases.GetByID(ctx, kbID)
	if err != nil {
		return nil, storeErr(err, "knowledge base")
	}
	if actor.IsAdmin || kb.OwnerID == actor.ID {
		return kb, nil
	}
	perm, err := s.repos.Memberships.PermissionFor(ctx, kbID, actor.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, faults.New(faults.KindPermissionDenied, "not a member of this knowledge base")
		}
		return nil, storeErr(err, "membership")
	}
	if !perm.AtLeast(need) {
		return nil, faults.Newf(faults.KindPermissionDenied, "requires %s permission", need)
	}
	return kb, nil
}

// CreateParams carry the caller-settable knowledge-base fields.
type CreateParams struct {
	Name           string
	Domain         string
	ExampleQueries []string
	EntityTypes    []string
	LLMConfig      *storage.LLMSettings
}

// Create builds a knowledge base owned by actor, with the owner
// membership row written in the same transaction.
func (s *Service) Create(ctx context.Context, actor *storage.User, params CreateParams) (*storage.KnowledgeBase, error) {
	if params.Name == "" {
		return nil, faults.New(faults.KindValidation, "knowledge base name is required")
	}

	kb := &storage.KnowledgeBase{
		OwnerID:        actor.ID,
		Name:           params.Name,
		Domain:         params.Domain,
		TrainingStatus: storage.TrainingStatusInit,
	}
	kb.ExampleQueries, _ = json.Marshal(emptyIfNil(params.ExampleQueries))
	kb.EntityTypes, _ = json.Marshal(emptyIfNil(params.EntityTypes))
	if params.LLMConfig != nil {
		kb.LLMConfig, _ = json.Marshal(params.LLMConfig)
	}

	err := storage.InTx(ctx, s.db, func(tx *sql.Tx) error {
		repos := s.repos.WithTx(tx)
		if err := repos.KnowledgeBases.Create(ctx, kb); err != nil {
			return err
		}
		return repos.Memberships.Upsert(ctx, &storage.Membership{
			KBID:       kb.ID,
			UserID:     actor.ID,
			Permission: storage.PermissionOwner,
		})
	})
	if err != nil {
		return nil, storeErr(err, "knowledge base")
	}

	s.log.Info().Str("kb_id", kb.ID.String()).Str("name", kb.Name).Msg("knowledge base created")
	s.publish(events.KnowledgeBaseCreated, kb, map[string]any{"name": kb.Name, "owner_id": kb.OwnerID.String()})
	return kb, nil
}

// Get requires viewer access.
func (s *Service) Get(ctx context.Context, actor *storage.User, kbID uuid.UUID) (*storage.KnowledgeBase, error) {
	return s.Authorize(ctx, kbID, actor, storage.PermissionViewer)
}

// List returns the knowledge bases visible to actor: every KB for
// system admins, memberships otherwise.
func (s *Service) List(ctx context.Context, actor *storage.User) ([]*storage.KnowledgeBase, error) {
	if actor.IsAdmin {
		kbs, err := s.repos.KnowledgeBases.ListAll(ctx)
		return kbs, storeErr(err, "knowledge bases")
	}
	kbs, err := s.repos.KnowledgeBases.ListForUser(ctx, actor.ID)
	return kbs, storeErr(err, "knowledge bases")
}

// UpdateParams are applied field-wise; nil means leave unchanged.
type UpdateParams struct {
	Name           *string
	Domain         *string
	ExampleQueries []string
	EntityTypes    []string
	LLMConfig      *storage.LLMSettings
}

// Update requires editor access; changing llm_config (provider
// credentials) requires admin.
func (s *Service) Update(ctx context.Context, actor *storage.User, kbID uuid.UUID, params UpdateParams) (*storage.KnowledgeBase, error) {
	need := storage.PermissionEditor
	if params.LLMConfig != nil {
		need = storage.PermissionAdmin
	}
	kb, err := s.Authorize(ctx, kbID, actor, need)
	if err != nil {
		return nil, err
	}

	if params.Name != nil {
		if *params.Name == "" {
			return nil, faults.New(faults.KindValidation, "knowledge base name is required")
		}
		kb.Name = *params.Name
	}
	if params.Domain != nil {
		kb.Domain = *params.Domain
	}
	if params.ExampleQueries != nil {
		kb.ExampleQueries, _ = json.Marshal(params.ExampleQueries)
	}
	if params.EntityTypes != nil {
		kb.EntityTypes, _ = json.Marshal(params.EntityTypes)
	}
	if params.LLMConfig != nil {
		kb.LLMConfig, _ = json.Marshal(params.LLMConfig)
	}

	if err := s.repos.KnowledgeBases.Update(ctx, kb); err != nil {
		return nil, storeErr(err, "knowledge base")
	}
	s.publish(events.KnowledgeBaseUpdated, kb, map[string]any{"name": kb.Name})
	return kb, nil
}

// Delete requires owner and removes the KB with all derived state:
// vector collection, lexical postings, cached queries, relational rows.
func (s *Service) Delete(ctx context.Context, actor *storage.User, kbID uuid.UUID) error {
	kb, err := s.Authorize(ctx, kbID, actor, storage.PermissionOwner)
	if err != nil {
		return err
	}

	if err := s.vectors.DeleteByKB(ctx, kbID); err != nil {
		return err
	}
	s.index.DropKB(kbID)
	s.invalidateCaches(ctx, kbID)

	if err := s.repos.KnowledgeBases.Delete(ctx, kbID); err != nil {
		return storeErr(err, "knowledge base")
	}
	s.log.Info().Str("kb_id", kbID.String()).Msg("knowledge base deleted")
	s.publish(events.KnowledgeBaseDeleted, kb, map[string]any{"name": kb.Name})
	return nil
}

// Members lists memberships; viewer access suffices.
func (s *Service) Members(ctx context.Context, actor *storage.User, kbID uuid.UUID) ([]*storage.Membership, error) {
	if _, err := s.Authorize(ctx, kbID, actor, storage.PermissionViewer); err != nil {
		return nil, err
	}
	members, err := s.repos.Memberships.ListByKB(ctx, kbID)
	return members, storeErr(err, "memberships")
}

// SetMember grants or changes a member's permission. Requires admin;
// the owner row is immutable (exactly one owner per KB).
func (s *Service) SetMember(ctx context.Context, actor *storage.User, kbID, userID uuid.UUID,
	perm storage.Permission) error {

	if !perm.Valid() {
		return faults.Newf(faults.KindValidation, "unknown permission %q", perm)
	}
	if perm == storage.PermissionOwner {
		return faults.New(faults.KindConflict, "a knowledge base has exactly one owner")
	}
	kb, err := s.Authorize(ctx, kbID, actor, storage.PermissionAdmin)
	if err != nil {
		return err
	}
	if userID == kb.OwnerID {
		return faults.New(faults.KindConflict, "the owner's permission cannot be changed")
	}
	if _, err := s.repos.Users.GetByID(ctx, userID); err != nil {
		return storeErr(err, "user")
	}
	return storeErr(s.repos.Memberships.Upsert(ctx, &storage.Membership{
		KBID:       kbID,
		UserID:     userID,
		Permission: perm,
	}), "membership")
}

// RemoveMember requires admin. The owner cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, actor *storage.User, kbID, userID uuid.UUID) error {
	kb, err := s.Authorize(ctx, kbID, actor, storage.PermissionAdmin)
	if err != nil {
		return err
	}
	if userID == kb.OwnerID {
		return faults.New(faults.KindConflict, "the owner cannot be removed")
	}
	return storeErr(s.repos.Memberships.Delete(ctx, kbID, userID), "membership")
}

// UploadDocument requires editor access. Validation and persistence are
// the ingestion pipeline's; this layer keeps total_docs current.
func (s *Service) UploadDocument(ctx context.Context, actor *storage.User, kbID uuid.UUID,
	raw []byte, mime, title, sourceURL string) (*storage.Document, error) {

	kb, err := s.Authorize(ctx, kbID, actor, storage.PermissionEditor)
	if err != nil {
		return nil, err
	}
	doc, err := s.pipeline.Ingest(ctx, kb, raw, mime, title, sourceURL)
	if err != nil {
		return nil, err
	}
	s.refreshDocCounts(ctx, kb)
	return doc, nil
}

// Documents lists a KB's documents in upload order; viewer access.
func (s *Service) Documents(ctx context.Context, actor *storage.User, kbID uuid.UUID) ([]*storage.Document, error) {
	if _, err := s.Authorize(ctx, kbID, actor, storage.PermissionViewer); err != nil {
		return nil, err
	}
	docs, err := s.repos.Documents.ListByKB(ctx, kbID)
	return docs, storeErr(err, "documents")
}

// Document loads one document; viewer access on its KB.
func (s *Service) Document(ctx context.Context, actor *storage.User, kbID, docID uuid.UUID) (*storage.Document, error) {
	if _, err := s.Authorize(ctx, kbID, actor, storage.PermissionViewer); err != nil {
		return nil, err
	}
	doc, err := s.repos.Documents.GetByID(ctx, docID)
	if err != nil {
		return nil, storeErr(err, "document")
	}
	if doc.KBID != kbID {
		return nil, faults.New(faults.KindNotFound, "document not found")
	}
	return doc, nil
}

// DeleteDocument requires editor access and cascades through every
// index: vectors, lexical postings, chunks, query cache.
func (s *Service) DeleteDocument(ctx context.Context, actor *storage.User, kbID, docID uuid.UUID) error {
	kb, err := s.Authorize(ctx, kbID, actor, storage.PermissionEditor)
	if err != nil {
		return err
	}
	doc, err := s.repos.Documents.GetByID(ctx, docID)
	if err != nil {
		return storeErr(err, "document")
	}
	if doc.KBID != kbID {
		return faults.New(faults.KindNotFound, "document not found")
	}

	chunks, err := s.repos.Chunks.ListByDocument(ctx, docID)
	if err != nil {
		return storeErr(err, "chunks")
	}
	chunkIDs := make([]uuid.UUID, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = c.ID
	}

	if err := s.vectors.DeleteByDocument(ctx, kbID, docID); err != nil {
		return err
	}
	s.index.RemoveChunks(kbID, chunkIDs)

	err = storage.InTx(ctx, s.db, func(tx *sql.Tx) error {
		repos := s.repos.WithTx(tx)
		if len(chunkIDs) > 0 {
			if err := repos.Postings.ReplaceForChunks(ctx, kbID, chunkIDs, nil); err != nil {
				return err
			}
		}
		if err := repos.Chunks.DeleteByDocument(ctx, docID); err != nil {
			return err
		}
		return repos.Documents.Delete(ctx, docID)
	})
	if err != nil {
		return storeErr(err, "document")
	}

	s.invalidateCaches(ctx, kbID)
	s.refreshDocCounts(ctx, kb)
	s.log.Info().Str("kb_id", kbID.String()).Str("document_id", docID.String()).Msg("document deleted")
	return nil
}

// Stats summarize a KB's corpus; viewer access.
type Stats struct {
	TotalDocs   int `json:"total_docs"`
	IndexedDocs int `json:"indexed_docs"`
	Chunks      int `json:"chunks"`
}

func (s *Service) Stats(ctx context.Context, actor *storage.User, kbID uuid.UUID) (*Stats, error) {
	if _, err := s.Authorize(ctx, kbID, actor, storage.PermissionViewer); err != nil {
		return nil, err
	}
	total, indexed, err := s.repos.Documents.CountByKB(ctx, kbID)
	if err != nil {
		return nil, storeErr(err, "documents")
	}
	chunks, err := s.repos.Chunks.CountByKB(ctx, kbID)
	if err != nil {
		return nil, storeErr(err, "chunks")
	}
	return &Stats{TotalDocs: total, IndexedDocs: indexed, Chunks: chunks}, nil
}

// refreshDocCounts keeps total_docs in step with the documents table.
// Progress and processed counts belong to the training coordinator.
func (s *Service) refreshDocCounts(ctx context.Context, kb *storage.KnowledgeBase) {
	total, _, err := s.repos.Documents.CountByKB(ctx, kb.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("kb_id", kb.ID.String()).Msg("refresh document counts")
		return
	}
	kb.TotalDocs = total
	if err := s.repos.KnowledgeBases.UpdateProgress(ctx, kb.ID,
		kb.TrainingProgress, kb.ProcessedDocs, total); err != nil {
		s.log.Warn().Err(err).Str("kb_id", kb.ID.String()).Msg("persist document counts")
	}
}

// invalidateCaches drops every cached artifact scoped to the KB (query
// results and embeddings are both under the kb prefix).
func (s *Service) invalidateCaches(ctx context.Context, kbID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPrefix(ctx, cache.KBKey(kbID.String())); err != nil {
		s.log.Warn().Err(err).Str("kb_id", kbID.String()).Msg("invalidate kb caches")
	}
}

func (s *Service) publish(eventType string, kb *storage.KnowledgeBase, data map[string]any) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["kb_id"] = kb.ID.String()
	_ = s.bus.Publish(events.New(eventType, data, map[string]any{"kb_id": kb.ID.String()}))
}

func emptyIfNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// storeErr lifts repository sentinel errors into the fault taxonomy.
func storeErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return faults.Newf(faults.KindNotFound, "%s not found", what)
	case errors.Is(err, storage.ErrConflict):
		return faults.Newf(faults.KindConflict, "%s already exists", what)
	default:
		return faults.Wrap(faults.KindDatabaseError, err, what)
	}
}
