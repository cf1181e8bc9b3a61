package database

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/biostream/internal/storage"
)

func newStore(t *testing.T) (*MemoryStore, *storage.BlobStore) {
	t.Helper()
	blobs, err := storage.Open(context.Background(), storage.StorageConfig{URL: "mem://"})
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })
	return NewMemoryStore(blobs, "db/"), blobs
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	require.NoError(t, s.Create(ctx, "staff"))
	assert.ErrorIs(t, s.Create(ctx, "staff"), ErrExists)
	assert.ErrorIs(t, s.Create(ctx, ""), ErrInvalidName)
	assert.ErrorIs(t, s.Create(ctx, "a/b"), ErrInvalidName)

	require.NoError(t, s.Create(ctx, "visitors"))
	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"staff", "visitors"}, names)

	require.NoError(t, s.Rename(ctx, "visitors", "guests"))
	assert.ErrorIs(t, s.Rename(ctx, "visitors", "x"), ErrNotFound)
	assert.ErrorIs(t, s.Rename(ctx, "guests", "staff"), ErrExists)

	require.NoError(t, s.Delete(ctx, "guests"))
	assert.ErrorIs(t, s.Delete(ctx, "guests"), ErrNotFound)

	names, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"staff"}, names)
}

func TestInsertRetrieve(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	require.NoError(t, s.Create(ctx, "staff"))

	ids, err := s.Insert(ctx, "staff", []Record{
		{ID: "alice", Data: json.RawMessage(`{"v":1}`)},
		{Data: json.RawMessage(`{"v":2}`)},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "alice", ids[0])
	assert.NotEmpty(t, ids[1])

	all, err := s.Retrieve(ctx, "staff", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alice", all[0].ID)

	one, err := s.Retrieve(ctx, "staff", []string{ids[1]})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(one[0].Data))

	_, err = s.Retrieve(ctx, "staff", []string{"nobody"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Insert(ctx, "nope", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckpointAndFinalize(t *testing.T) {
	ctx := context.Background()
	s, blobs := newStore(t)
	require.NoError(t, s.Create(ctx, "staff"))
	_, err := s.Insert(ctx, "staff", []Record{{ID: "alice", Data: json.RawMessage(`{"v":1}`)}})
	require.NoError(t, err)

	uri, err := s.Checkpoint(ctx, "staff")
	require.NoError(t, err)
	assert.Equal(t, "mem://db/staff/snapshot-000001.json.zst", uri)

	uri, err = s.Finalize(ctx, "staff")
	require.NoError(t, err)
	assert.Contains(t, uri, "snapshot-000002")

	data, err := blobs.Read(ctx, "db/staff/snapshot-000002.json.zst")
	require.NoError(t, err)
	snap, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, "staff", snap.Name)
	assert.True(t, snap.Finalized)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "alice", snap.Records[0].ID)

	_, err = s.Insert(ctx, "staff", []Record{{ID: "bob"}})
	assert.ErrorIs(t, err, ErrFinalized)
	_, err = s.Finalize(ctx, "staff")
	assert.ErrorIs(t, err, ErrFinalized)

	recs, err := s.Retrieve(ctx, "staff", nil)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "finalized databases stay readable")
}

func TestCheckpointWithoutSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil, "")
	require.NoError(t, s.Create(ctx, "x"))
	_, err := s.Checkpoint(ctx, "x")
	assert.ErrorIs(t, err, ErrNoSnapshots)
	_, err = s.Checkpoint(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	s, blobs := newStore(t)

	require.NoError(t, s.Create(ctx, "staff"))
	_, err := s.Insert(ctx, "staff", []Record{{ID: "alice", Data: json.RawMessage(`{"v":1}`)}})
	require.NoError(t, err)
	_, err = s.Checkpoint(ctx, "staff")
	require.NoError(t, err)
	_, err = s.Insert(ctx, "staff", []Record{{ID: "bob", Data: json.RawMessage(`{"v":2}`)}})
	require.NoError(t, err)
	_, err = s.Finalize(ctx, "staff")
	require.NoError(t, err)

	require.NoError(t, s.Create(ctx, "visitors"))
	_, err = s.Checkpoint(ctx, "visitors")
	require.NoError(t, err)

	fresh := NewMemoryStore(blobs, "db/")
	names, err := fresh.Restore(ctx, blobs)
	require.NoError(t, err)
	assert.Equal(t, []string{"staff", "visitors"}, names)

	recs, err := fresh.Retrieve(ctx, "staff", nil)
	require.NoError(t, err)
	require.Len(t, recs, 2, "newest snapshot wins")
	assert.Equal(t, "alice", recs[0].ID)
	assert.Equal(t, "bob", recs[1].ID)

	_, err = fresh.Insert(ctx, "staff", []Record{{ID: "carol"}})
	assert.ErrorIs(t, err, ErrFinalized)

	uri, err := fresh.Checkpoint(ctx, "visitors")
	require.NoError(t, err)
	assert.Contains(t, uri, "snapshot-000002", "versions continue after a restore")

	names, err = fresh.Restore(ctx, blobs)
	require.NoError(t, err)
	assert.Empty(t, names, "loaded databases are not replaced")
}
