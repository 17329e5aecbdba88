package chat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep-ai/lorekeep/internal/cache"
	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/embedding"
	"github.com/lorekeep-ai/lorekeep/internal/events"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/ingest"
	"github.com/lorekeep-ai/lorekeep/internal/kb"
	"github.com/lorekeep-ai/lorekeep/internal/lexical"
	"github.com/lorekeep-ai/lorekeep/internal/llm"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/retrieval"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
	"github.com/lorekeep-ai/lorekeep/internal/vectorstore"
)

type chatFixture struct {
	manager *Manager
	repos   *storage.Repositories
	bus     *events.Bus
	kb      *storage.KnowledgeBase
	owner   *storage.User
}

func newChatFixture(t *testing.T, mutate func(*config.ChatConfig)) *chatFixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "chat.db"), JournalMode: "WAL"},
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
	metrics := observability.NewMetrics()
	bus := events.NewBus(64)

	pipeline := ingest.NewPipeline(config.DefaultConfig().Ingestion, db, repos, blobs,
		analyzer, bus, log, metrics)
	kbs := kb.NewService(db, repos, pipeline, vectors, index, mem, bus, log)
	users := kb.NewUserService(repos, bus, log, "")

	embedder := embedding.NewService(config.EmbeddingConfig{
		Provider: "mock", Dimension: 32, BatchSize: 8,
	}, nil, 0, nil, log, metrics)
	engine := retrieval.NewEngine(config.DefaultConfig().Retrieval, config.RerankConfig{},
		repos, embedder, vectors, index, mem, time.Minute, log, metrics)
	llms := llm.NewService(config.LLMConfig{Provider: "mock"})

	cfg := config.ChatConfig{
		IdleTimeout:    time.Hour,
		ReplayLimit:    50,
		OutboundQueue:  256,
		TypingInterval: 50 * time.Millisecond,
		DrainTimeout:   20 * time.Millisecond,
		ExtraModes:     []string{"concierge"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	manager := NewManager(cfg, repos, kbs, engine, llms, bus, log, metrics)
	t.Cleanup(manager.Close)

	created, err := users.Create(ctx, nil, "owner@chat.test", "password123", false)
	require.NoError(t, err)
	kbRow, err := kbs.Create(ctx, created.User, kb.CreateParams{Name: "support"})
	require.NoError(t, err)

	return &chatFixture{manager: manager, repos: repos, bus: bus, kb: kbRow, owner: created.User}
}

// collect drains frames until want of the given type arrived or the
// deadline passed.
func collect(t *testing.T, sess *Session, frameType string, want int) []Frame {
	t.Helper()
	var got []Frame
	deadline := time.After(10 * time.Second)
	for len(got) < want {
		select {
		case f := <-sess.Frames():
			if f.Type == frameType {
				got = append(got, f)
			}
		case <-deadline:
			t.Fatalf("got %d %s frames, want %d", len(got), frameType, want)
		}
	}
	return got
}

func TestOpenUser_CreatesAndReusesChat(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	sess, replay, err := f.manager.OpenUser(ctx, f.kb.ID, 42, nil)
	require.NoError(t, err)
	assert.Empty(t, replay)

	chats, err := f.manager.List(ctx, f.owner, f.kb.ID, false)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, int64(42), chats[0].ThirdPartyUserID)
	assert.Equal(t, storage.ChatModeAuto, chats[0].Mode)

	// Second open attaches to the same chat.
	sess2, _, err := f.manager.OpenUser(ctx, f.kb.ID, 42, nil)
	require.NoError(t, err)
	assert.Equal(t, sess.ChatID, sess2.ChatID)

	// chat.started published exactly once despite the second open.
	started := 0
	for {
		select {
		case ev := <-f.bus.Events():
			if ev.Type == events.ChatStarted {
				started++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, started)
}

func TestSend_AutoModeStreamsAssistantReply(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	sess, _, err := f.manager.OpenUser(ctx, f.kb.ID, 7, nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.Send(ctx, sess, "what is the refund policy?"))

	// User message, streamed deltas, then the persisted assistant reply.
	msgs := collect(t, sess, FrameMessage, 2)
	assert.Equal(t, storage.SenderThirdParty, msgs[0].Message.SenderKind)
	assert.Equal(t, "what is the refund policy?", msgs[0].Message.Content)
	assert.Equal(t, "assistant", msgs[1].Message.SenderID)
	assert.Contains(t, msgs[1].Message.Content, "refund policy")

	// Both messages persisted in order.
	history, err := f.manager.Messages(ctx, f.owner, sess.ChatID, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Less(t, history[0].Seq, history[1].Seq)
}

func TestSend_ManualModeRoutesToStaffOnly(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	user, _, err := f.manager.OpenUser(ctx, f.kb.ID, 7, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.SwitchMode(ctx, f.owner, user.ChatID, "manual"))

	admin, _, err := f.manager.Join(ctx, f.owner, user.ChatID, nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.Send(ctx, user, "I need a human"))

	adminMsgs := collect(t, admin, FrameMessage, 1)
	assert.Equal(t, "I need a human", adminMsgs[0].Message.Content)

	// No assistant reply is generated.
	history, err := f.manager.Messages(ctx, f.owner, user.ChatID, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)

	// Staff answer reaches the user.
	require.NoError(t, f.manager.Send(ctx, admin, "hello, how can I help?"))
	userMsgs := collect(t, user, FrameMessage, 2)
	assert.Equal(t, storage.SenderOfficial, userMsgs[1].Message.SenderKind)
}

func TestSend_MixedModeDependsOnStaffPresence(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	user, _, err := f.manager.OpenUser(ctx, f.kb.ID, 7, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.SwitchMode(ctx, f.owner, user.ChatID, "mixed"))

	// No staff joined: auto answers.
	require.NoError(t, f.manager.Send(ctx, user, "first question"))
	collect(t, user, FrameMessage, 2)

	admin, _, err := f.manager.Join(ctx, f.owner, user.ChatID, nil)
	require.NoError(t, err)

	// Staff present: behaves as manual.
	require.NoError(t, f.manager.Send(ctx, user, "second question"))
	collect(t, admin, FrameMessage, 1)
	history, err := f.manager.Messages(ctx, f.owner, user.ChatID, 0, 20)
	require.NoError(t, err)
	assert.Len(t, history, 3) // q1, auto answer, q2
}

func TestSwitchMode_ValidationAndExtraModes(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	user, _, err := f.manager.OpenUser(ctx, f.kb.ID, 7, nil)
	require.NoError(t, err)

	err = f.manager.SwitchMode(ctx, f.owner, user.ChatID, "telepathy")
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	// Whitelisted extra mode lands as manual.
	require.NoError(t, f.manager.SwitchMode(ctx, f.owner, user.ChatID, "concierge"))
	chat, err := f.repos.Chats.GetByID(ctx, user.ChatID)
	require.NoError(t, err)
	assert.Equal(t, storage.ChatModeManual, chat.Mode)
}

func TestDelete_ForceClosesAndRestores(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	sess, _, err := f.manager.OpenUser(ctx, f.kb.ID, 7, nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.Send(ctx, sess, "hello"))
	require.NoError(t, f.manager.Delete(ctx, f.owner, sess.ChatID))

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed on delete")
	}
	code, _ := sess.CloseCode()
	assert.Equal(t, CloseDeleted, code)

	err = f.manager.Send(ctx, sess, "anyone?")
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))

	// Restore keeps history.
	require.NoError(t, f.manager.Restore(ctx, f.owner, sess.ChatID))
	_, replay, err := f.manager.OpenUser(ctx, f.kb.ID, 7, nil)
	require.NoError(t, err)
	require.NotEmpty(t, replay)
}

func TestResume_ReplaysAfterLastSeen(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	sess, _, err := f.manager.OpenUser(ctx, f.kb.ID, 7, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.Send(ctx, sess, "one"))
	require.NoError(t, f.manager.Send(ctx, sess, "two"))

	history, err := f.manager.Messages(ctx, f.owner, sess.ChatID, 0, 20)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(history), 4)
	anchor := history[0].ID // "one"

	_, replay, err := f.manager.OpenUser(ctx, f.kb.ID, 7, &anchor)
	require.NoError(t, err)
	require.NotEmpty(t, replay)
	for _, msg := range replay {
		assert.Greater(t, msg.Seq, history[0].Seq)
	}
}

func TestBackpressure_OverflowClosesSession(t *testing.T) {
	f := newChatFixture(t, func(cfg *config.ChatConfig) {
		cfg.OutboundQueue = 1
	})
	ctx := context.Background()

	sess, _, err := f.manager.OpenUser(ctx, f.kb.ID, 7, nil)
	require.NoError(t, err)

	// Nobody drains sess.Frames(); the second frame overflows.
	require.NoError(t, f.manager.Send(ctx, sess, "fill the queue"))

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session survived overflow")
	}
	code, _ := sess.CloseCode()
	assert.Equal(t, CloseOverflow, code)
}

func TestTyping_DebouncedAndUnpersisted(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	user, _, err := f.manager.OpenUser(ctx, f.kb.ID, 7, nil)
	require.NoError(t, err)
	admin, _, err := f.manager.Join(ctx, f.owner, user.ChatID, nil)
	require.NoError(t, err)

	f.manager.Typing(ctx, user)
	f.manager.Typing(ctx, user) // inside the debounce window

	collect(t, admin, FrameTyping, 1)
	select {
	case frame := <-admin.Frames():
		assert.NotEqual(t, FrameTyping, frame.Type)
	case <-time.After(100 * time.Millisecond):
	}

	history, err := f.manager.Messages(ctx, f.owner, user.ChatID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestJoin_RequiresMembership(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	sess, _, err := f.manager.OpenUser(ctx, f.kb.ID, 7, nil)
	require.NoError(t, err)

	stranger := &storage.User{ID: uuid.New(), Email: "x@y", IsActive: true}
	_, _, err = f.manager.Join(ctx, stranger, sess.ChatID, nil)
	assert.Equal(t, faults.KindPermissionDenied, faults.KindOf(err))

	_, _, err = f.manager.Join(ctx, f.owner, uuid.New(), nil)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}
