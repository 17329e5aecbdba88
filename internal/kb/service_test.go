package kb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep-ai/lorekeep/internal/cache"
	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/ingest"
	"github.com/lorekeep-ai/lorekeep/internal/lexical"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
	"github.com/lorekeep-ai/lorekeep/internal/vectorstore"
)

type fixture struct {
	svc   *Service
	users *UserService
	repos *storage.Repositories
	cache *cache.MemoryClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "kb.db"), JournalMode: "WAL"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, "sqlite"))
	repos := storage.NewRepositories(db)

	blobs, err := storage.NewBlobStore(t.TempDir())
	require.NoError(t, err)
	analyzer := lexical.NewAnalyzer("english")
	index := lexical.NewIndex(analyzer, repos.Postings)
	vectors, err := vectorstore.New(config.VectorConfig{Kind: "local", DataDir: t.TempDir()})
	require.NoError(t, err)
	mem := cache.NewMemoryClient(64)

	log := observability.Nop()
	pipeline := ingest.NewPipeline(config.DefaultConfig().Ingestion, db, repos, blobs,
		analyzer, nil, log, observability.NewMetrics())

	return &fixture{
		svc:   NewService(db, repos, pipeline, vectors, index, mem, nil, log),
		users: NewUserService(repos, nil, log, "join-code"),
		repos: repos,
		cache: mem,
	}
}

func (f *fixture) user(t *testing.T, email string, admin bool) *storage.User {
	t.Helper()
	created, err := f.users.Create(context.Background(), nil, email, "password123", admin)
	require.NoError(t, err)
	return created.User
}

func TestCreate_WritesOwnerMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner@example.com", false)

	kb, err := f.svc.Create(ctx, owner, CreateParams{Name: "docs", Domain: "support"})
	require.NoError(t, err)
	assert.Equal(t, storage.TrainingStatusInit, kb.TrainingStatus)

	perm, err := f.repos.Memberships.PermissionFor(ctx, kb.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PermissionOwner, perm)

	_, err = f.svc.Create(ctx, owner, CreateParams{})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestAuthorize_PermissionLadder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner@example.com", false)
	viewer := f.user(t, "viewer@example.com", false)
	stranger := f.user(t, "stranger@example.com", false)
	sysadmin := f.user(t, "root@example.com", true)

	kb, err := f.svc.Create(ctx, owner, CreateParams{Name: "docs"})
	require.NoError(t, err)
	require.NoError(t, f.svc.SetMember(ctx, owner, kb.ID, viewer.ID, storage.PermissionViewer))

	_, err = f.svc.Authorize(ctx, kb.ID, viewer, storage.PermissionViewer)
	assert.NoError(t, err)
	_, err = f.svc.Authorize(ctx, kb.ID, viewer, storage.PermissionEditor)
	assert.Equal(t, faults.KindPermissionDenied, faults.KindOf(err))

	_, err = f.svc.Authorize(ctx, kb.ID, stranger, storage.PermissionViewer)
	assert.Equal(t, faults.KindPermissionDenied, faults.KindOf(err))

	// System admins hold implicit owner rights everywhere.
	_, err = f.svc.Authorize(ctx, kb.ID, sysadmin, storage.PermissionOwner)
	assert.NoError(t, err)

	_, err = f.svc.Authorize(ctx, uuid.New(), owner, storage.PermissionViewer)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestMembership_OwnerRowIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner@example.com", false)
	other := f.user(t, "other@example.com", false)

	kb, err := f.svc.Create(ctx, owner, CreateParams{Name: "docs"})
	require.NoError(t, err)

	err = f.svc.SetMember(ctx, owner, kb.ID, other.ID, storage.PermissionOwner)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
	err = f.svc.SetMember(ctx, owner, kb.ID, owner.ID, storage.PermissionViewer)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
	err = f.svc.RemoveMember(ctx, owner, kb.ID, owner.ID)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))

	require.NoError(t, f.svc.SetMember(ctx, owner, kb.ID, other.ID, storage.PermissionEditor))
	members, err := f.svc.Members(ctx, owner, kb.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	require.NoError(t, f.svc.RemoveMember(ctx, owner, kb.ID, other.ID))
	members, err = f.svc.Members(ctx, owner, kb.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestUpdate_LLMConfigNeedsAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner@example.com", false)
	editor := f.user(t, "editor@example.com", false)

	kb, err := f.svc.Create(ctx, owner, CreateParams{Name: "docs"})
	require.NoError(t, err)
	require.NoError(t, f.svc.SetMember(ctx, owner, kb.ID, editor.ID, storage.PermissionEditor))

	name := "renamed"
	_, err = f.svc.Update(ctx, editor, kb.ID, UpdateParams{Name: &name})
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, editor, kb.ID, UpdateParams{
		LLMConfig: &storage.LLMSettings{EmbeddingProvider: "mock"},
	})
	assert.Equal(t, faults.KindPermissionDenied, faults.KindOf(err))

	updated, err := f.svc.Update(ctx, owner, kb.ID, UpdateParams{
		LLMConfig: &storage.LLMSettings{EmbeddingProvider: "mock"},
	})
	require.NoError(t, err)
	assert.Equal(t, "mock", updated.LLMSettings().EmbeddingProvider)
}

func TestUploadAndDeleteDocument_Cascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner@example.com", false)

	kb, err := f.svc.Create(ctx, owner, CreateParams{Name: "docs"})
	require.NoError(t, err)

	doc, err := f.svc.UploadDocument(ctx, owner, kb.ID,
		[]byte("Postgres tuning guide. Increase shared_buffers for large working sets."),
		"text/plain", "tuning.txt", "")
	require.NoError(t, err)

	fresh, err := f.svc.Get(ctx, owner, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.TotalDocs)

	// Seed a cached entry under the kb prefix; deletion must drop it.
	require.NoError(t, f.cache.Set(ctx, cache.KBKey(kb.ID.String(), "query", "abc"), []byte("hit"), 0))

	require.NoError(t, f.svc.DeleteDocument(ctx, owner, kb.ID, doc.ID))

	_, err = f.svc.Document(ctx, owner, kb.ID, doc.ID)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
	_, err = f.cache.Get(ctx, cache.KBKey(kb.ID.String(), "query", "abc"))
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	stats, err := f.svc.Stats(ctx, owner, kb.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalDocs)
	assert.Zero(t, stats.Chunks)
}

func TestDocument_ScopedToKB(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner@example.com", false)

	kb1, err := f.svc.Create(ctx, owner, CreateParams{Name: "one"})
	require.NoError(t, err)
	kb2, err := f.svc.Create(ctx, owner, CreateParams{Name: "two"})
	require.NoError(t, err)

	doc, err := f.svc.UploadDocument(ctx, owner, kb1.ID,
		[]byte("content that belongs to the first knowledge base"), "text/plain", "a.txt", "")
	require.NoError(t, err)

	_, err = f.svc.Document(ctx, owner, kb2.ID, doc.ID)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
	err = f.svc.DeleteDocument(ctx, owner, kb2.ID, doc.ID)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestDeleteKB_RequiresOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner@example.com", false)
	admin := f.user(t, "admin@example.com", false)

	kb, err := f.svc.Create(ctx, owner, CreateParams{Name: "docs"})
	require.NoError(t, err)
	require.NoError(t, f.svc.SetMember(ctx, owner, kb.ID, admin.ID, storage.PermissionAdmin))

	err = f.svc.Delete(ctx, admin, kb.ID)
	assert.Equal(t, faults.KindPermissionDenied, faults.KindOf(err))
	require.NoError(t, f.svc.Delete(ctx, owner, kb.ID))

	_, err = f.svc.Get(ctx, owner, kb.ID)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestUsers_RegisterAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.Register(ctx, "new@example.com", "password123", "wrong-code")
	assert.Equal(t, faults.KindInvalidCredential, faults.KindOf(err))

	created, err := f.users.Register(ctx, "New@Example.com", "password123", "join-code")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", created.User.Email)
	assert.NotEmpty(t, created.SDKKey)
	assert.False(t, created.User.IsAdmin)

	_, err = f.users.Authenticate(ctx, "new@example.com", "password123")
	assert.NoError(t, err)
	_, err = f.users.Authenticate(ctx, "new@example.com", "nope")
	assert.Equal(t, faults.KindInvalidCredential, faults.KindOf(err))

	// Duplicate email (case-insensitive) conflicts.
	_, err = f.users.Register(ctx, "NEW@example.com", "password123", "join-code")
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
}

func TestUsers_DeactivateStopsAuth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.user(t, "root@example.com", true)
	victim := f.user(t, "victim@example.com", false)

	err := f.users.Deactivate(ctx, victim, admin.ID)
	assert.Equal(t, faults.KindPermissionDenied, faults.KindOf(err))
	err = f.users.Deactivate(ctx, admin, admin.ID)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))

	require.NoError(t, f.users.Deactivate(ctx, admin, victim.ID))
	_, err = f.users.Authenticate(ctx, "victim@example.com", "password123")
	assert.Equal(t, faults.KindInvalidCredential, faults.KindOf(err))
}
