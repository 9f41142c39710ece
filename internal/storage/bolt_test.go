package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/searchsync/internal/model"
)

func setupTestStorage(t *testing.T) (*BoltCheckpointStore, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "nested", "checkpoints.db")
	store := NewBoltCheckpointStore(&BoltOptions{Path: dbPath})
	require.NoError(t, store.Open())
	t.Cleanup(func() { store.Close() })

	return store, dbPath
}

func createTestCheckpoint(stream string) *Checkpoint {
	return &Checkpoint{
		Stream:         stream,
		RunID:          "run-1",
		ResumeToken:    []byte(`{"_data":"8265"}`),
		ClusterTime:    model.ClusterTime{T: 1700000000, I: 3},
		LastDocumentID: "a1",
		EventsApplied:  12,
		UpdatedAt:      time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestBoltCheckpointStore_SaveAndLoad(t *testing.T) {
	store, _ := setupTestStorage(t)
	ctx := context.Background()

	cp := createTestCheckpoint("emaildb.emails")
	require.NoError(t, store.Save(ctx, cp))

	loaded, err := store.Load(ctx, "emaildb.emails")
	require.NoError(t, err)
	assert.Equal(t, cp, loaded)
}

func TestBoltCheckpointStore_SaveReplaces(t *testing.T) {
	store, _ := setupTestStorage(t)
	ctx := context.Background()

	first := createTestCheckpoint("emaildb.emails")
	require.NoError(t, store.Save(ctx, first))

	second := createTestCheckpoint("emaildb.emails")
	second.EventsApplied = 99
	second.LastDocumentID = "z9"
	require.NoError(t, store.Save(ctx, second))

	loaded, err := store.Load(ctx, "emaildb.emails")
	require.NoError(t, err)
	assert.Equal(t, int64(99), loaded.EventsApplied)
	assert.Equal(t, "z9", loaded.LastDocumentID)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBoltCheckpointStore_LoadMissing(t *testing.T) {
	store, _ := setupTestStorage(t)

	_, err := store.Load(context.Background(), "nope.nope")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestBoltCheckpointStore_RequiresStream(t *testing.T) {
	store, _ := setupTestStorage(t)

	err := store.Save(context.Background(), &Checkpoint{})
	assert.Error(t, err)
}

func TestBoltCheckpointStore_Reopen(t *testing.T) {
	store, path := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, createTestCheckpoint("emaildb.emails")))
	require.NoError(t, store.Close())

	reader := NewBoltCheckpointStore(&BoltOptions{Path: path, ReadOnly: true})
	require.NoError(t, reader.Open())
	defer reader.Close()

	loaded, err := reader.Load(ctx, "emaildb.emails")
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, []byte(`{"_data":"8265"}`), loaded.ResumeToken)
}
