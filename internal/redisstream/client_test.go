package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crdtsync/yredis-go/internal/types"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	c, err := New(mr.Addr(), "", 0, "y-test")
	require.NoError(t, err)

	return c, mr
}

func TestPing_Succeeds(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer c.Close()

	assert.NoError(t, c.Ping(context.Background()))
}

func TestPublishAndReadFullStream_RoundTrips(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	key := types.RoomKey{Room: "room-1", DocID: types.DefaultDocID}

	id, err := c.Publish(ctx, key, []byte("update-1"), 1000)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := c.ReadFullStream(ctx, key)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("update-1"), entries[0].Data)
}

func TestReadRooms_ReturnsNewEntriesOnly(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	key := types.RoomKey{Room: "room-1", DocID: types.DefaultDocID}

	id1, err := c.Publish(ctx, key, []byte("update-1"), 1000)
	require.NoError(t, err)

	entries, err := c.ReadRooms(ctx, []Cursor{{Key: key, LastID: "0"}}, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id1, entries[0].ID)

	entries, err = c.ReadRooms(ctx, []Cursor{{Key: key, LastID: id1}}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWorkerQueue_EnqueueClaimAck(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	key := types.RoomKey{Room: "room-1", DocID: types.DefaultDocID}

	require.NoError(t, c.EnsureWorkerGroup(ctx))
	require.NoError(t, c.EnqueueWorkerTask(ctx, key))

	task, err := c.ClaimNextTask(ctx, "worker-1", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, key, task.Room)

	require.NoError(t, c.AckTask(ctx, task.ID))

	noTask, err := c.ClaimNextTask(ctx, "worker-1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, noTask)
}

func TestStreamLenAndTrim(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	key := types.RoomKey{Room: "room-1", DocID: types.DefaultDocID}

	id1, err := c.Publish(ctx, key, []byte("a"), 1000)
	require.NoError(t, err)
	_, err = c.Publish(ctx, key, []byte("b"), 1000)
	require.NoError(t, err)

	length, err := c.StreamLen(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 2, length)

	require.NoError(t, c.TrimStream(ctx, key, id1))

	length, err = c.StreamLen(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 2, length, "trimming up to the first id should not remove it")
}

func TestDeleteStream_RemovesKeyEntirely(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	key := types.RoomKey{Room: "room-1", DocID: types.DefaultDocID}

	_, err := c.Publish(ctx, key, []byte("a"), 1000)
	require.NoError(t, err)
	require.NoError(t, c.DeleteStream(ctx, key))

	length, err := c.StreamLen(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 0, length)
}
