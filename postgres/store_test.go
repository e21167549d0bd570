package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/deepnoodle-ai/designflow"
)

func startPostgres(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("designflow"),
		tcpostgres.WithUsername("designflow"),
		tcpostgres.WithPassword("designflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := New(ctx, Options{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreSessionRoundTrip(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	record := &designflow.SessionRecord{
		SessionID: "session_test1",
		Owner:     "engineer-1",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Stage:     designflow.StageParsingRequirements,
		History: []designflow.TransitionRecord{
			{
				From:      designflow.StageInitializing,
				To:        designflow.StageParsingRequirements,
				Timestamp: time.Now().UTC().Truncate(time.Millisecond),
			},
		},
		Results: map[string]any{"requirements.medium": "water"},
	}
	require.NoError(t, store.SaveState(ctx, record))

	loaded, err := store.LoadState(ctx, "session_test1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, record.SessionID, loaded.SessionID)
	assert.Equal(t, record.Owner, loaded.Owner)
	assert.Equal(t, designflow.StageParsingRequirements, loaded.Stage)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, designflow.StageInitializing, loaded.History[0].From)
	assert.Equal(t, "water", loaded.Results["requirements.medium"])

	// Upsert replaces mutable fields
	record.Stage = designflow.StageSelectingTankType
	record.Results["tank.type"] = "vertical_cylindrical"
	require.NoError(t, store.SaveState(ctx, record))

	loaded, err = store.LoadState(ctx, "session_test1")
	require.NoError(t, err)
	assert.Equal(t, designflow.StageSelectingTankType, loaded.Stage)
	assert.Equal(t, "vertical_cylindrical", loaded.Results["tank.type"])

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	require.NoError(t, store.DeleteState(ctx, "session_test1"))
	loaded, err = store.LoadState(ctx, "session_test1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStoreCheckpointRoundTrip(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	first := &designflow.Checkpoint{
		ID:        "ckpt_test1",
		SessionID: "session_test2",
		Owner:     "engineer-1",
		Name:      "after-selecting_materials",
		Stage:     designflow.StageSelectingMaterials,
		Results:   map[string]any{"material.grade": "316L stainless"},
		History: []designflow.TransitionRecord{
			{
				From:      designflow.StageInitializing,
				To:        designflow.StageParsingRequirements,
				Timestamp: time.Now().UTC().Truncate(time.Millisecond),
			},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.SaveCheckpoint(ctx, first))

	second := &designflow.Checkpoint{
		ID:        "ckpt_test2",
		SessionID: "session_test2",
		Name:      "after-selecting_optimal",
		Stage:     designflow.StageSelectingOptimal,
		CreatedAt: first.CreatedAt.Add(time.Minute),
	}
	require.NoError(t, store.SaveCheckpoint(ctx, second))

	loaded, err := store.LoadCheckpoint(ctx, "ckpt_test1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "316L stainless", loaded.Results["material.grade"])
	assert.Equal(t, designflow.StageSelectingMaterials, loaded.Stage)

	missing, err := store.LoadCheckpoint(ctx, "ckpt_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	checkpoints, err := store.ListCheckpoints(ctx, "session_test2")
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	assert.Equal(t, "ckpt_test1", checkpoints[0].ID)
	assert.Equal(t, "ckpt_test2", checkpoints[1].ID)

	require.NoError(t, store.DeleteCheckpoints(ctx, "session_test2"))
	checkpoints, err = store.ListCheckpoints(ctx, "session_test2")
	require.NoError(t, err)
	assert.Empty(t, checkpoints)
}
