package lexical

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

func newTestIndex(t *testing.T) (*Index, *storage.Repositories) {
	t.Helper()
	db, err := storage.Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db"), JournalMode: "WAL"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, "sqlite"))

	repos := storage.NewRepositories(db)
	return NewIndex(NewAnalyzer("none"), repos.Postings), repos
}

// seedChunk persists a chunk with its postings and mirrors them into
// the live index, the way the index builder does.
func seedChunk(t *testing.T, idx *Index, repos *storage.Repositories, kbID, docID uuid.UUID, ordinal int, text string) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	freqs, length := idx.Analyzer().TermFrequencies(text)
	chunk := &storage.Chunk{
		DocumentID: docID, KBID: kbID, Ordinal: ordinal,
		Text: text, SizeBytes: len(text), TokenCount: length,
	}
	require.NoError(t, repos.Chunks.CreateBatch(ctx, []*storage.Chunk{chunk}))

	postings := make([]storage.Posting, 0, len(freqs))
	for term, tf := range freqs {
		postings = append(postings, storage.Posting{KBID: kbID, Term: term, ChunkID: chunk.ID, TF: tf})
	}
	require.NoError(t, repos.Postings.ReplaceForChunks(ctx, kbID, []uuid.UUID{chunk.ID}, postings))
	idx.Add(kbID, chunk.ID, freqs, length)
	return chunk.ID
}

func seedDoc(t *testing.T, repos *storage.Repositories, kbID uuid.UUID) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	owner := &storage.User{Email: uuid.NewString() + "@test", PasswordHash: "x", IsActive: true, SDKKey: "sdk_" + uuid.NewString()}
	require.NoError(t, repos.Users.Create(ctx, owner))
	kb := &storage.KnowledgeBase{ID: kbID, OwnerID: owner.ID, Name: "kb", Domain: "test"}
	require.NoError(t, repos.KnowledgeBases.Create(ctx, kb))
	doc := &storage.Document{
		KBID: kbID, Title: "doc", ContentHash: uuid.NewString(),
		SizeBytes: 1, Kind: storage.DocumentKindTXT, Status: storage.DocumentStatusPending,
	}
	require.NoError(t, repos.Documents.Create(ctx, doc))
	return doc.ID
}

func TestAnalyzer_Tokens(t *testing.T) {
	a := NewAnalyzer("none")
	assert.Equal(t, []string{"hello", "world", "42"}, a.Tokens("Hello, WORLD! 42"))
	assert.Empty(t, a.Tokens("... !!! ---"))
}

func TestAnalyzer_UnicodeAware(t *testing.T) {
	a := NewAnalyzer("none")
	tokens := a.Tokens("Python编程最佳实践")
	assert.Contains(t, tokens, "python")
	assert.NotEmpty(t, tokens[1:]) // CJK text segments into further terms
}

func TestAnalyzer_EnglishStemming(t *testing.T) {
	a := NewAnalyzer("english")
	// Inflected forms collapse onto one index term.
	assert.Equal(t, a.Tokens("query"), a.Tokens("queries"))
	assert.Equal(t, a.Tokens("indexed"), a.Tokens("indexing"))
}

func TestAnalyzer_TermFrequencies(t *testing.T) {
	a := NewAnalyzer("none")
	freqs, length := a.TermFrequencies("the cat and the hat")
	assert.Equal(t, 5, length)
	assert.Equal(t, 2, freqs["the"])
	assert.Equal(t, 1, freqs["cat"])
}

func TestIndex_SearchRanksByRelevance(t *testing.T) {
	idx, repos := newTestIndex(t)
	ctx := context.Background()
	kbID := uuid.New()
	docID := seedDoc(t, repos, kbID)

	match := seedChunk(t, idx, repos, kbID, docID, 0, "rust borrow checker ownership rules")
	seedChunk(t, idx, repos, kbID, docID, 1, "cooking pasta with tomato sauce")
	seedChunk(t, idx, repos, kbID, docID, 2, "gardening tips for spring flowers")

	hits, err := idx.Search(ctx, kbID, "borrow checker", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, match, hits[0].ChunkID)
	assert.Positive(t, hits[0].Score)
}

func TestIndex_RebuildsFromStore(t *testing.T) {
	idx, repos := newTestIndex(t)
	ctx := context.Background()
	kbID := uuid.New()
	docID := seedDoc(t, repos, kbID)
	chunkID := seedChunk(t, idx, repos, kbID, docID, 0, "persistent postings survive restarts")

	// A fresh index over the same repository must answer from the store.
	fresh := NewIndex(NewAnalyzer("none"), repos.Postings)
	hits, err := fresh.Search(ctx, kbID, "postings", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chunkID, hits[0].ChunkID)
}

func TestIndex_RemoveChunks(t *testing.T) {
	idx, repos := newTestIndex(t)
	ctx := context.Background()
	kbID := uuid.New()
	docID := seedDoc(t, repos, kbID)

	chunkID := seedChunk(t, idx, repos, kbID, docID, 0, "ephemeral content")
	seedChunk(t, idx, repos, kbID, docID, 1, "stable content")

	// Force the index to load before mutating it.
	_, err := idx.Search(ctx, kbID, "content", 10)
	require.NoError(t, err)

	idx.RemoveChunks(kbID, []uuid.UUID{chunkID})
	hits, err := idx.Search(ctx, kbID, "ephemeral", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_EmptyKBAndEmptyQuery(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	hits, err := idx.Search(ctx, uuid.New(), "anything", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(ctx, uuid.New(), "!!!", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_DeterministicOrdering(t *testing.T) {
	idx, repos := newTestIndex(t)
	ctx := context.Background()
	kbID := uuid.New()
	docID := seedDoc(t, repos, kbID)

	for i := 0; i < 4; i++ {
		seedChunk(t, idx, repos, kbID, docID, i, "identical text body")
	}

	first, err := idx.Search(ctx, kbID, "identical text", 10)
	require.NoError(t, err)
	second, err := idx.Search(ctx, kbID, "identical text", 10)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
