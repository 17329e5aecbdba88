package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lorekeep-ai/lorekeep/internal/config"
)

// newPostgresDB starts a throwaway Postgres container and opens the
// store against it. The same migrations run here as in production, so
// this catches dialect drift the SQLite tests cannot.
func newPostgresDB(t *testing.T) (*sql.DB, *Repositories) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	if os.Getenv("CI") == "" && !dockerAvailable() {
		t.Skip("Docker not available")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("lorekeep_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := config.DatabaseConfig{
		Driver: "postgres",
		Postgres: config.PostgresConfig{
			DSN: fmt.Sprintf("postgres://test:test@%s:%s/lorekeep_test?sslmode=disable",
				host, port.Port()),
			MaxOpenConns: 5,
		},
	}
	db, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(db, "postgres"))
	return db, NewRepositories(db)
}

func dockerAvailable() (ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// testcontainers panics (rather than returning an error) when no
	// Docker host can be discovered at all; treat that as unavailable.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.Client().Ping(ctx)
	return err == nil
}

func TestPostgres_UserRoundTrip(t *testing.T) {
	_, repos := newPostgresDB(t)
	ctx := context.Background()

	user := newTestUser(t, repos, "PG@Example.com")
	assert.Equal(t, "pg@example.com", user.Email)

	got, err := repos.Users.GetByEmail(ctx, "pg@EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}

func TestPostgres_TrainingTransitions(t *testing.T) {
	_, repos := newPostgresDB(t)
	ctx := context.Background()

	owner := newTestUser(t, repos, "owner@example.com")
	kb := newTestKB(t, repos, owner)

	trainable := []TrainingStatus{TrainingStatusInit, TrainingStatusReady, TrainingStatusError, TrainingStatusStopped}
	ok, err := repos.KnowledgeBases.MarkQueued(ctx, kb.ID, trainable)
	require.NoError(t, err)
	assert.True(t, ok)

	claimed, err := repos.KnowledgeBases.ClaimNextQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, kb.ID, claimed.ID)
	assert.Equal(t, TrainingStatusTraining, claimed.TrainingStatus)

	ok, err = repos.KnowledgeBases.FinishTraining(ctx, kb.ID, TrainingStatusReady, "")
	require.NoError(t, err)
	assert.True(t, ok)
}
