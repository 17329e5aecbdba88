package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep-ai/lorekeep/internal/config"
)

func newTestDB(t *testing.T) (*sql.DB, *Repositories) {
	t.Helper()
	ctx := context.Background()

	cfg := config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{
			Path:        filepath.Join(t.TempDir(), "test.db"),
			JournalMode: "WAL",
		},
	}
	db, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(db, "sqlite"))
	return db, NewRepositories(db)
}

func newTestUser(t *testing.T, repos *Repositories, email string) *User {
	t.Helper()
	user := &User{Email: email, PasswordHash: "x", IsActive: true, SDKKey: "sdk_" + uuid.NewString()}
	require.NoError(t, repos.Users.Create(context.Background(), user))
	return user
}

func newTestKB(t *testing.T, repos *Repositories, owner *User) *KnowledgeBase {
	t.Helper()
	ctx := context.Background()
	kb := &KnowledgeBase{OwnerID: owner.ID, Name: "test-kb", Domain: "testing"}
	require.NoError(t, repos.KnowledgeBases.Create(ctx, kb))
	require.NoError(t, repos.Memberships.Upsert(ctx, &Membership{
		KBID: kb.ID, UserID: owner.ID, Permission: PermissionOwner,
	}))
	return kb
}

func TestUserEmailCaseInsensitive(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()

	user := newTestUser(t, repos, "Alice@Example.COM")
	assert.Equal(t, "alice@example.com", user.Email)

	got, err := repos.Users.GetByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	dup := &User{Email: "alice@EXAMPLE.com", PasswordHash: "y", IsActive: true, SDKKey: "sdk_other"}
	err = repos.Users.Create(ctx, dup)
	assert.Error(t, err)
}

func TestUserNotFound(t *testing.T) {
	_, repos := newTestDB(t)

	_, err := repos.Users.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	err = repos.Users.Delete(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrainingTransitions(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	assert.Equal(t, TrainingStatusInit, kb.TrainingStatus)

	trainable := []TrainingStatus{TrainingStatusInit, TrainingStatusReady, TrainingStatusError, TrainingStatusStopped}

	ok, err := repos.KnowledgeBases.MarkQueued(ctx, kb.ID, trainable)
	require.NoError(t, err)
	assert.True(t, ok)

	// Queuing an already queued KB must not fire twice.
	ok, err = repos.KnowledgeBases.MarkQueued(ctx, kb.ID, trainable)
	require.NoError(t, err)
	assert.False(t, ok)

	claimed, err := repos.KnowledgeBases.ClaimNextQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, kb.ID, claimed.ID)
	assert.Equal(t, TrainingStatusTraining, claimed.TrainingStatus)

	// Queue is now empty.
	_, err = repos.KnowledgeBases.ClaimNextQueued(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repos.KnowledgeBases.UpdateProgress(ctx, kb.ID, 50, 1, 2))

	ok, err = repos.KnowledgeBases.FinishTraining(ctx, kb.ID, TrainingStatusReady, "")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repos.KnowledgeBases.GetByID(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, TrainingStatusReady, got.TrainingStatus)
	require.NotNil(t, got.TrainedAt)
	assert.Equal(t, 100, got.TrainingProgress)

	// Finishing again is a lost race, not an error.
	ok, err = repos.KnowledgeBases.FinishTraining(ctx, kb.ID, TrainingStatusError, "boom")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKnowledgeBaseUpdateRoundTrip(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	kb.Name = "renamed"
	kb.Domain = "support"
	kb.ExampleQueries = []byte(`["how do I reset my password?"]`)
	kb.EntityTypes = []byte(`["product","version"]`)
	kb.LLMConfig = []byte(`{"chat_model":"gpt-4o-mini"}`)
	require.NoError(t, repos.KnowledgeBases.Update(ctx, kb))

	got, err := repos.KnowledgeBases.GetByID(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "support", got.Domain)
	assert.JSONEq(t, `["how do I reset my password?"]`, string(got.ExampleQueries))
	assert.JSONEq(t, `["product","version"]`, string(got.EntityTypes))
	assert.JSONEq(t, `{"chat_model":"gpt-4o-mini"}`, string(got.LLMConfig))
}

func TestFinishTrainingStoppedKeepsProgress(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	train := func() {
		ok, err := repos.KnowledgeBases.MarkQueued(ctx, kb.ID,
			[]TrainingStatus{TrainingStatusInit, TrainingStatusStopped, TrainingStatusError})
		require.NoError(t, err)
		require.True(t, ok)
		_, err = repos.KnowledgeBases.ClaimNextQueued(ctx)
		require.NoError(t, err)
	}

	// A stop keeps the progress the run had reached.
	train()
	require.NoError(t, repos.KnowledgeBases.UpdateProgress(ctx, kb.ID, 40, 2, 5))
	ok, err := repos.KnowledgeBases.FinishTraining(ctx, kb.ID, TrainingStatusStopped, "")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repos.KnowledgeBases.GetByID(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, TrainingStatusStopped, got.TrainingStatus)
	assert.Equal(t, 40, got.TrainingProgress)
	assert.Equal(t, 2, got.ProcessedDocs)
	assert.Nil(t, got.TrainedAt)

	// An error resets it.
	train()
	require.NoError(t, repos.KnowledgeBases.UpdateProgress(ctx, kb.ID, 60, 3, 5))
	ok, err = repos.KnowledgeBases.FinishTraining(ctx, kb.ID, TrainingStatusError, "embedding provider down")
	require.NoError(t, err)
	require.True(t, ok)

	got, err = repos.KnowledgeBases.GetByID(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, TrainingStatusError, got.TrainingStatus)
	assert.Equal(t, 0, got.TrainingProgress)
	assert.Equal(t, "embedding provider down", got.ErrorMessage)
}

func TestClaimNextQueuedIsFIFO(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")

	first := newTestKB(t, repos, owner)
	_, err := repos.KnowledgeBases.MarkQueued(ctx, first.ID, []TrainingStatus{TrainingStatusInit})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	second := newTestKB(t, repos, owner)
	_, err = repos.KnowledgeBases.MarkQueued(ctx, second.ID, []TrainingStatus{TrainingStatusInit})
	require.NoError(t, err)

	claimed, err := repos.KnowledgeBases.ClaimNextQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)

	claimed, err = repos.KnowledgeBases.ClaimNextQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, claimed.ID)
}

func TestSingleOwnerEnforced(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	other := newTestUser(t, repos, "other@example.com")
	kb := newTestKB(t, repos, owner)

	err := repos.Memberships.Upsert(ctx, &Membership{
		KBID: kb.ID, UserID: other.ID, Permission: PermissionOwner,
	})
	assert.ErrorIs(t, err, ErrConflict)

	// Non-owner grants are fine.
	require.NoError(t, repos.Memberships.Upsert(ctx, &Membership{
		KBID: kb.ID, UserID: other.ID, Permission: PermissionEditor,
	}))

	perm, err := repos.Memberships.PermissionFor(ctx, kb.ID, other.ID)
	require.NoError(t, err)
	assert.Equal(t, PermissionEditor, perm)
	assert.True(t, perm.AtLeast(PermissionViewer))
	assert.False(t, perm.AtLeast(PermissionAdmin))
}

func TestDocumentDedupe(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	doc := &Document{
		KBID: kb.ID, Title: "a.txt", Kind: DocumentKindTXT,
		ContentHash: strings.Repeat("ab", 32), SizeBytes: 12,
	}
	require.NoError(t, repos.Documents.Create(ctx, doc))

	exists, err := repos.Documents.ExistsByHash(ctx, kb.ID, doc.ContentHash)
	require.NoError(t, err)
	assert.True(t, exists)

	dup := &Document{
		KBID: kb.ID, Title: "b.txt", Kind: DocumentKindTXT,
		ContentHash: doc.ContentHash, SizeBytes: 12,
	}
	assert.ErrorIs(t, repos.Documents.Create(ctx, dup), ErrConflict)

	// Same content in another knowledge base is not a duplicate.
	kb2 := newTestKB(t, repos, owner)
	doc2 := &Document{
		KBID: kb2.ID, Title: "a.txt", Kind: DocumentKindTXT,
		ContentHash: doc.ContentHash, SizeBytes: 12,
	}
	assert.NoError(t, repos.Documents.Create(ctx, doc2))
}

func TestListUnindexedSkipsIndexed(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	mk := func(title, hash string) *Document {
		doc := &Document{KBID: kb.ID, Title: title, Kind: DocumentKindTXT, ContentHash: hash}
		require.NoError(t, repos.Documents.Create(ctx, doc))
		return doc
	}
	indexed := mk("done.txt", strings.Repeat("aa", 32))
	pending := mk("todo.txt", strings.Repeat("bb", 32))
	failed := mk("retry.txt", strings.Repeat("cc", 32))

	require.NoError(t, repos.Documents.UpdateStatus(ctx, indexed.ID, DocumentStatusIndexed, ""))
	require.NoError(t, repos.Documents.UpdateStatus(ctx, failed.ID, DocumentStatusFailed, "parse error"))

	docs, err := repos.Documents.ListUnindexedByKB(ctx, kb.ID)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, pending.ID, docs[0].ID)
	assert.Equal(t, failed.ID, docs[1].ID)

	total, done, err := repos.Documents.CountByKB(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, done)
}

func TestChunksAndPostFilter(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	doc := &Document{KBID: kb.ID, Title: "a.txt", Kind: DocumentKindTXT, ContentHash: strings.Repeat("ab", 32)}
	require.NoError(t, repos.Documents.Create(ctx, doc))

	chunks := []*Chunk{
		{DocumentID: doc.ID, KBID: kb.ID, Ordinal: 0, Text: "first chunk", SizeBytes: 11, TokenCount: 2},
		{DocumentID: doc.ID, KBID: kb.ID, Ordinal: 1, Text: "second chunk", SizeBytes: 12, TokenCount: 2},
	}
	require.NoError(t, repos.Chunks.CreateBatch(ctx, chunks))

	listed, err := repos.Chunks.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, 0, listed[0].Ordinal)
	assert.Equal(t, 1, listed[1].Ordinal)

	// Deleting the document takes its chunks with it; stale vector ids
	// then resolve to nothing.
	ids := []uuid.UUID{chunks[0].ID, chunks[1].ID}
	require.NoError(t, repos.Documents.Delete(ctx, doc.ID))

	found, err := repos.Chunks.GetByIDs(ctx, kb.ID, ids)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestPostingsRoundTrip(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	doc := &Document{KBID: kb.ID, Title: "a.txt", Kind: DocumentKindTXT, ContentHash: strings.Repeat("ab", 32)}
	require.NoError(t, repos.Documents.Create(ctx, doc))

	chunk := &Chunk{DocumentID: doc.ID, KBID: kb.ID, Ordinal: 0, Text: "alpha beta alpha", SizeBytes: 16, TokenCount: 3}
	require.NoError(t, repos.Chunks.CreateBatch(ctx, []*Chunk{chunk}))

	postings := []Posting{
		{KBID: kb.ID, Term: "alpha", ChunkID: chunk.ID, TF: 2},
		{KBID: kb.ID, Term: "beta", ChunkID: chunk.ID, TF: 1},
	}
	require.NoError(t, repos.Postings.ReplaceForChunks(ctx, kb.ID, []uuid.UUID{chunk.ID}, postings))

	loaded := map[string]int{}
	require.NoError(t, repos.Postings.LoadByKB(ctx, kb.ID, func(p Posting) error {
		loaded[p.Term] = p.TF
		return nil
	}))
	assert.Equal(t, map[string]int{"alpha": 2, "beta": 1}, loaded)

	lengths, err := repos.Postings.ChunkLengths(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, lengths[chunk.ID])

	// Re-indexing the same chunk replaces, not accumulates.
	require.NoError(t, repos.Postings.ReplaceForChunks(ctx, kb.ID, []uuid.UUID{chunk.ID}, []Posting{
		{KBID: kb.ID, Term: "gamma", ChunkID: chunk.ID, TF: 1},
	}))
	loaded = map[string]int{}
	require.NoError(t, repos.Postings.LoadByKB(ctx, kb.ID, func(p Posting) error {
		loaded[p.Term] = p.TF
		return nil
	}))
	assert.Equal(t, map[string]int{"gamma": 1}, loaded)
}

func TestMessageSequenceIsDense(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	chat := &Chat{KBID: kb.ID, ThirdPartyUserID: 42}
	require.NoError(t, repos.Chats.Create(ctx, chat))

	for i := 1; i <= 5; i++ {
		msg := &ChatMessage{ChatID: chat.ID, SenderKind: SenderThirdParty, SenderID: "42", Content: "hello"}
		require.NoError(t, repos.Messages.Append(ctx, msg))
		assert.Equal(t, int64(i), msg.Seq)
	}

	got, err := repos.Chats.GetByID(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MessageCount)
	require.NotNil(t, got.LastMessageAt)

	recent, err := repos.Messages.ListRecent(ctx, chat.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, int64(3), recent[0].Seq)
	assert.Equal(t, int64(5), recent[2].Seq)

	after, err := repos.Messages.ListAfterSeq(ctx, chat.ID, 3, 50)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(4), after[0].Seq)

	seq, err := repos.Messages.SeqOf(ctx, chat.ID, recent[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestDocumentStatusAndMetadataRoundTrip(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	doc := &Document{
		KBID: kb.ID, Title: "a.txt", Kind: DocumentKindTXT,
		ContentHash: strings.Repeat("ab", 32), SizeBytes: 12,
		Metadata: []byte(`{"source":"upload"}`),
	}
	require.NoError(t, repos.Documents.Create(ctx, doc))
	require.NoError(t, repos.Documents.UpdateStatus(ctx, doc.ID, DocumentStatusFailed, "parse error"))
	require.NoError(t, repos.Documents.SetChunkCount(ctx, doc.ID, 7))

	got, err := repos.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentStatusFailed, got.Status)
	assert.Equal(t, "parse error", got.ErrorMessage)
	assert.Equal(t, 7, got.ChunkCount)
	assert.JSONEq(t, `{"source":"upload"}`, string(got.Metadata))
}

func TestChatModeSwitchPersists(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	chat := &Chat{KBID: kb.ID, ThirdPartyUserID: 11}
	require.NoError(t, repos.Chats.Create(ctx, chat))
	require.NoError(t, repos.Chats.UpdateMode(ctx, chat.ID, ChatModeManual))

	got, err := repos.Chats.GetByID(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, ChatModeManual, got.Mode)
	assert.Equal(t, ChatStatusActive, got.Status)
}

func TestMessageMetadataRoundTrip(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	chat := &Chat{KBID: kb.ID, ThirdPartyUserID: 12}
	require.NoError(t, repos.Chats.Create(ctx, chat))

	msg := &ChatMessage{
		ChatID: chat.ID, SenderKind: SenderSystem, SenderID: "system",
		Content: "answer", Metadata: []byte(`{"sources":["chunk-1"]}`),
	}
	require.NoError(t, repos.Messages.Append(ctx, msg))

	got, err := repos.Messages.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sources":["chunk-1"]}`, string(got.Metadata))
}

func TestChatOpenReusesActive(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	chat := &Chat{KBID: kb.ID, ThirdPartyUserID: 7}
	require.NoError(t, repos.Chats.Create(ctx, chat))

	found, err := repos.Chats.FindActive(ctx, kb.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, chat.ID, found.ID)

	_, err = repos.Chats.FindActive(ctx, kb.ID, 8)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleted chats are not reused.
	require.NoError(t, repos.Chats.UpdateStatus(ctx, chat.ID, ChatStatusDeleted))
	_, err = repos.Chats.FindActive(ctx, kb.ID, 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChatSoftDeleteAndRestore(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	chat := &Chat{KBID: kb.ID, ThirdPartyUserID: 9}
	require.NoError(t, repos.Chats.Create(ctx, chat))
	require.NoError(t, repos.Messages.Append(ctx, &ChatMessage{
		ChatID: chat.ID, SenderKind: SenderThirdParty, SenderID: "9", Content: "keep me",
	}))

	require.NoError(t, repos.Chats.UpdateStatus(ctx, chat.ID, ChatStatusDeleted))

	visible, err := repos.Chats.ListByKB(ctx, kb.ID, false)
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := repos.Chats.ListByKB(ctx, kb.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repos.Chats.UpdateStatus(ctx, chat.ID, ChatStatusActive))
	msgs, err := repos.Messages.ListRecent(ctx, chat.ID, 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAPIKeyPrefixLookup(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")

	key := &APIKey{
		UserID: owner.ID, Name: "ci", Prefix: "eak_AbCd",
		Salt: "salt", TokenHash: strings.Repeat("cd", 32),
		Scopes: "read,query", RateLimit: 100, IsActive: true,
	}
	require.NoError(t, repos.APIKeys.Create(ctx, key))

	found, err := repos.APIKeys.FindActiveByPrefix(ctx, "eak_AbCd")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, key.ID, found[0].ID)

	require.NoError(t, repos.APIKeys.TouchUsage(ctx, key.ID, time.Now()))
	got, err := repos.APIKeys.GetByID(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UsageCount)

	require.NoError(t, repos.APIKeys.Revoke(ctx, key.ID))
	found, err = repos.APIKeys.FindActiveByPrefix(ctx, "eak_AbCd")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestWebhookUpdateRoundTrip(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")

	wh := &Webhook{
		UserID: owner.ID, URL: "https://example.com/hook", Secret: "s1",
		Events: "*", Headers: []byte(`{"X-Env":"test"}`),
		IsActive: true, TimeoutS: 30, MaxAttempts: 5, BackoffBase: 60,
	}
	require.NoError(t, repos.Webhooks.Create(ctx, wh))

	wh.URL = "https://example.com/hook/v2"
	wh.Events = "document.processed"
	wh.IsActive = false
	require.NoError(t, repos.Webhooks.Update(ctx, wh))

	got, err := repos.Webhooks.GetByID(ctx, wh.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook/v2", got.URL)
	assert.Equal(t, "document.processed", got.Events)
	assert.False(t, got.IsActive)
	assert.Equal(t, 30, got.TimeoutS)
	assert.JSONEq(t, `{"X-Env":"test"}`, string(got.Headers))
}

func TestDeliveryLifecycle(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")

	wh := &Webhook{
		UserID: owner.ID, URL: "https://example.com/hook", Secret: "s3cret",
		Events: "*", IsActive: true, TimeoutS: 30, MaxAttempts: 5, BackoffBase: 60,
	}
	require.NoError(t, repos.Webhooks.Create(ctx, wh))

	d := &WebhookDelivery{
		WebhookID: wh.ID, EventType: "training.completed",
		EventID: uuid.New(), Payload: `{"kb_id":"x"}`,
	}
	require.NoError(t, repos.Deliveries.Create(ctx, d))

	due, err := repos.Deliveries.ListDue(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// A failure pushes the next attempt into the future.
	next := time.Now().Add(time.Hour)
	require.NoError(t, repos.Deliveries.RecordFailure(ctx, d.ID, 1, 503, "upstream unavailable", next))

	due, err = repos.Deliveries.ListDue(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err := repos.Deliveries.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, 503, got.LastStatus)
	assert.Equal(t, "upstream unavailable", got.LastError)

	require.NoError(t, repos.Deliveries.MarkSucceeded(ctx, d.ID, 2, 200))
	got, err = repos.Deliveries.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, 200, got.LastStatus)
	assert.Equal(t, DeliveryStateSucceeded, got.State)
	require.NotNil(t, got.DeliveredAt)

	// Terminal rows age out.
	n, err := repos.Deliveries.PurgeOlderThan(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUsageUpsertAccumulates(t *testing.T) {
	_, repos := newTestDB(t)
	ctx := context.Background()
	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	keyID := uuid.NewString()
	require.NoError(t, repos.Usage.Record(ctx, kb.ID, keyID, false, 120))
	require.NoError(t, repos.Usage.Record(ctx, kb.ID, keyID, true, 4))
	require.NoError(t, repos.Usage.Record(ctx, kb.ID, "", false, 80))

	stats, err := repos.Usage.StatsForKB(ctx, kb.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Queries)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.InDelta(t, 68.0, stats.AvgLatencyMs, 0.01)
}

func TestBlobStoreRoundTrip(t *testing.T) {
	store, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	hash := strings.Repeat("ab", 32)
	require.NoError(t, store.Put(hash, strings.NewReader("file body")))
	// Re-putting the same content is a no-op.
	require.NoError(t, store.Put(hash, strings.NewReader("file body")))

	rc, err := store.Open(hash)
	require.NoError(t, err)
	defer rc.Close()

	_, err = store.Open(strings.Repeat("ff", 32))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(hash))
	require.NoError(t, store.Delete(hash))
}
