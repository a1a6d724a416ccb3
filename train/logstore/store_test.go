package logstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func TestStore_RunsAndRecords(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// GIVEN a run with two records
	started := time.Unix(1700000000, 0)
	require.NoError(t, store.StartRun(ctx, Run{ID: "run-1", WorkDir: "/tmp/w", Config: "seed: 1", StartedAt: started}))
	require.NoError(t, store.Append(ctx, Record{RunID: "run-1", Mode: "train", Epoch: 1, Iter: 10, LR: 0.1,
		Vars: map[string]float64{"loss": 1.5, "time": 0.2}}))
	require.NoError(t, store.Append(ctx, Record{RunID: "run-1", Mode: "val", Epoch: 1, Iter: 10, LR: 0.1,
		Vars: map[string]float64{"loss": 1.2}}))

	// WHEN reading them back
	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	recs, err := store.Records(ctx, "run-1")
	require.NoError(t, err)

	// THEN the run and records round-trip in insertion order
	assert.Equal(t, "/tmp/w", run.WorkDir)
	assert.Equal(t, "seed: 1", run.Config)
	assert.True(t, started.Equal(run.StartedAt))
	require.Len(t, recs, 2)
	assert.Equal(t, "train", recs[0].Mode)
	assert.Equal(t, 10, recs[0].Iter)
	assert.Equal(t, map[string]float64{"loss": 1.5, "time": 0.2}, recs[0].Vars)
	assert.Equal(t, "val", recs[1].Mode)
	assert.False(t, recs[1].Created.IsZero())
}

func TestStore_StartRunTwiceKeepsFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.StartRun(ctx, Run{ID: "r", WorkDir: "first"}))
	require.NoError(t, store.StartRun(ctx, Run{ID: "r", WorkDir: "second"}))
	run, err := store.GetRun(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "first", run.WorkDir)
}

func TestStore_Errors(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	assert.Error(t, store.StartRun(ctx, Run{}), "empty id")

	err = store.Append(ctx, Record{RunID: "missing", Mode: "train", Vars: map[string]float64{}})
	assert.Error(t, err, "foreign key to an unknown run")

	recs, err := store.Records(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), store.Path())
	require.NoError(t, store.StartRun(ctx, Run{ID: "r", WorkDir: dir}))
	require.NoError(t, store.Close())

	store, err = Open(dir)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.GetRun(ctx, "r")
	assert.NoError(t, err)
}
