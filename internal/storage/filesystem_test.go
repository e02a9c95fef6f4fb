package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crdtsync/yredis-go/internal/crdt"
	"github.com/crdtsync/yredis-go/internal/types"
)

func newTestDriver(t *testing.T) *FilesystemDriver {
	t.Helper()
	d, err := NewFilesystemDriver(t.TempDir())
	require.NoError(t, err)
	return d
}

func testKey() types.RoomKey {
	return types.RoomKey{Room: "room-1", DocID: types.DefaultDocID}
}

func TestRetrieveDoc_ReturnsNilWhenAbsent(t *testing.T) {
	d := newTestDriver(t)
	doc, err := d.RetrieveDoc(context.Background(), testKey())
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestPersistAndRetrieveDoc_RoundTrips(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	key := testKey()

	state := crdt.NewState()
	state.Apply(crdt.Update("a=1"))

	ref, err := d.PersistDoc(ctx, key, state)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	doc, err := d.RetrieveDoc(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, 1, doc.Merged.Len())
	assert.Equal(t, []Reference{ref}, doc.References)
}

func TestDeleteReferences_RemovesFiles(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	key := testKey()

	state := crdt.NewState()
	state.Apply(crdt.Update("a=1"))
	ref, err := d.PersistDoc(ctx, key, state)
	require.NoError(t, err)

	require.NoError(t, d.DeleteReferences(ctx, key, []Reference{ref}))

	doc, err := d.RetrieveDoc(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestQuarantine_BlocksDeleteReferences(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	key := testKey()

	state := crdt.NewState()
	state.Apply(crdt.Update("a=1"))
	ref, err := d.PersistDoc(ctx, key, state)
	require.NoError(t, err)

	require.NoError(t, d.Quarantine(ctx, key, "manual test quarantine"))

	err = d.DeleteReferences(ctx, key, []Reference{ref})
	assert.Error(t, err)
}

func TestRetrieveDoc_QuarantinesUndecodableSnapshot(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	key := testKey()

	dir := d.docDir(key)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage-ref"), []byte{0xff, 0x01}, 0o644))

	_, err := d.RetrieveDoc(ctx, key)
	assert.Error(t, err)

	_, err = os.Stat(d.quarantineMarkerPath(key))
	assert.NoError(t, err, "expected quarantine marker to be written")
}

func TestCheckWritable_Succeeds(t *testing.T) {
	d := newTestDriver(t)
	assert.NoError(t, d.CheckWritable(context.Background()))
}

func TestPersistDoc_MultipleReferencesMergeOnRead(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	key := testKey()

	s1 := crdt.NewState()
	s1.Apply(crdt.Update("a=1"))
	_, err := d.PersistDoc(ctx, key, s1)
	require.NoError(t, err)

	s2 := crdt.NewState()
	s2.Apply(crdt.Update("b=2"))
	_, err = d.PersistDoc(ctx, key, s2)
	require.NoError(t, err)

	doc, err := d.RetrieveDoc(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Merged.Len())
	assert.Len(t, doc.References, 2)
}
