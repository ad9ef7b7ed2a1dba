package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/codeready-toolchain/cogsupervisor/pkg/database"
)

// newTestStore starts a real Postgres container, applies the embedded
// migrations via database.NewClient, and returns a ready Store.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host:            host,
		Port:            port.Int(),
		User:            "test",
		Password:        "test",
		Database:        "test",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewStore(client.DB())
}

func TestStoreUpsertStartingThenReadStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertStarting(ctx, "sess-1", 1234, true, true))

	status, err := store.ReadStatus(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, status)
}

func TestStoreUpsertStartingIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertStarting(ctx, "sess-1", 1234, true, true))
	require.NoError(t, store.SetStatus(ctx, "sess-1", StatusRunning))
	require.NoError(t, store.UpsertStarting(ctx, "sess-1", 5678, true, true))

	status, err := store.ReadStatus(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, status, "re-upserting resets status to starting")
}

func TestStoreClaimBatchTransitionsPendingToProcessingInFIFOOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertStarting(ctx, "sess-1", 1, true, true))

	for i := 0; i < 3; i++ {
		_, err := store.db.ExecContext(ctx, `
			INSERT INTO cognitive_inbox (session_id, message_type, payload, created_at)
			VALUES ($1, 'tool_use', '{}', now() + ($2 || ' milliseconds')::interval)
		`, "sess-1", i*10)
		require.NoError(t, err)
	}

	msgs, err := store.ClaimBatch(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, MessageStatusProcessing, m.Status)
	}
	assert.True(t, msgs[0].CreatedAt.Before(msgs[1].CreatedAt) || msgs[0].CreatedAt.Equal(msgs[1].CreatedAt))

	second, err := store.ClaimBatch(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Empty(t, second, "already-claimed rows must not be claimed again")
}

func TestStoreRequeueReturnsMessageToPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertStarting(ctx, "sess-1", 1, true, true))

	_, err := store.db.ExecContext(ctx, `
		INSERT INTO cognitive_inbox (session_id, message_type, payload) VALUES ($1, 'tool_use', '{}')
	`, "sess-1")
	require.NoError(t, err)

	msgs, err := store.ClaimBatch(ctx, "sess-1", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, store.Requeue(ctx, msgs[0].ID))

	reclaimed, err := store.ClaimBatch(ctx, "sess-1", 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, msgs[0].ID, reclaimed[0].ID)
}

func TestStoreRenameSessionMarksOldInjectedAndNewRunning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertStarting(ctx, "sess-old", 1, true, true))
	require.NoError(t, store.SetStatus(ctx, "sess-old", StatusRunning))

	require.NoError(t, store.RenameSession(ctx, "sess-old", "sess-new", 1, true, true, "retriever-sub", "learner-sub"))

	oldStatus, err := store.ReadStatus(ctx, "sess-old")
	require.NoError(t, err)
	assert.Equal(t, StatusInjected, oldStatus)

	newStatus, err := store.ReadStatus(ctx, "sess-new")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, newStatus)
}

func TestStoreDetectAndMarkCrashedOnlyFlagsStaleHeartbeats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertStarting(ctx, "sess-fresh", 1, true, true))
	require.NoError(t, store.SetStatus(ctx, "sess-fresh", StatusRunning))
	require.NoError(t, store.UpsertStarting(ctx, "sess-stale", 2, true, true))
	require.NoError(t, store.SetStatus(ctx, "sess-stale", StatusRunning))

	_, err := store.db.ExecContext(ctx, `
		UPDATE orchestrator_state SET last_heartbeat_at = now() - interval '1 hour' WHERE session_id = $1
	`, "sess-stale")
	require.NoError(t, err)

	crashed, err := store.DetectAndMarkCrashed(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, crashed, 1)
	assert.Equal(t, SessionId("sess-stale"), crashed[0])

	freshStatus, err := store.ReadStatus(ctx, "sess-fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, freshStatus, "healthy orchestrators must never be falsely marked crashed")
}

func TestStoreLatestSessionStateVersioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	none, err := store.LatestSessionState(ctx, "sess-1", "proj")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, store.InsertSessionState(ctx, SessionStateRecord{
		SessionID: "sess-1", ProjectSlug: "proj", StateText: "v1", Version: 1,
	}))
	require.NoError(t, store.InsertSessionState(ctx, SessionStateRecord{
		SessionID: "sess-1", ProjectSlug: "proj", StateText: "v2", Version: 2,
	}))

	latest, err := store.LatestSessionState(ctx, "sess-1", "proj")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "v2", latest.StateText)
}

func TestStoreFailAllPendingMakesPendingRowUnclaimable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertStarting(ctx, "sess-1", 1, true, true))

	_, err := store.db.ExecContext(ctx, `
		INSERT INTO cognitive_inbox (session_id, message_type, payload) VALUES ($1, 'tool_use', '{}')
	`, "sess-1")
	require.NoError(t, err)

	require.NoError(t, store.FailAllPending(ctx, "sess-1"))

	msgs, err := store.ClaimBatch(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "a failed row must not be claimable")
}
