package apiclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crdtsync/yredis-go/internal/redisstream"
	"github.com/crdtsync/yredis-go/internal/storage"
	"github.com/crdtsync/yredis-go/internal/types"
)

func newTestClient(t *testing.T) (*Client, *redisstream.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	stream, err := redisstream.New(mr.Addr(), "", 0, "y-test")
	require.NoError(t, err)

	driver, err := storage.NewFilesystemDriver(t.TempDir())
	require.NoError(t, err)

	return New(stream, driver, 1000, 3*time.Second), stream, mr
}

func TestGetDoc_EmptyWhenNothingWritten(t *testing.T) {
	c, stream, mr := newTestClient(t)
	defer mr.Close()
	defer stream.Close()

	doc, err := c.GetDoc(context.Background(), types.RoomKey{Room: "room-1", DocID: types.DefaultDocID})
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Merged.Len())
}

func TestAddUpdateThenGetDoc_MergesStreamTail(t *testing.T) {
	c, stream, mr := newTestClient(t)
	defer mr.Close()
	defer stream.Close()

	ctx := context.Background()
	key := types.RoomKey{Room: "room-1", DocID: types.DefaultDocID}

	_, err := c.AddUpdate(ctx, key, []byte("a=1"))
	require.NoError(t, err)
	_, err = c.AddUpdate(ctx, key, []byte("b=2"))
	require.NoError(t, err)

	doc, err := c.GetDoc(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Merged.Len())
}

func TestAddUpdate_RejectsEmptyPayload(t *testing.T) {
	c, stream, mr := newTestClient(t)
	defer mr.Close()
	defer stream.Close()

	_, err := c.AddUpdate(context.Background(), types.RoomKey{Room: "room-1", DocID: types.DefaultDocID}, nil)
	assert.Error(t, err)
}

func TestAddUpdate_OnlyEnqueuesOnceWithinTTL(t *testing.T) {
	c, stream, mr := newTestClient(t)
	defer mr.Close()
	defer stream.Close()

	ctx := context.Background()
	key := types.RoomKey{Room: "room-1", DocID: types.DefaultDocID}

	require.NoError(t, stream.EnsureWorkerGroup(ctx))

	_, err := c.AddUpdate(ctx, key, []byte("a=1"))
	require.NoError(t, err)
	_, err = c.AddUpdate(ctx, key, []byte("b=2"))
	require.NoError(t, err)

	task, err := stream.ClaimNextTask(ctx, "worker-1", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, task)

	noSecondTask, err := stream.ClaimNextTask(ctx, "worker-1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, noSecondTask, "second addUpdate within queueTTL must not enqueue another task")
}

func TestGetStateVector_DerivedFromDocWhenStorageEmpty(t *testing.T) {
	c, stream, mr := newTestClient(t)
	defer mr.Close()
	defer stream.Close()

	ctx := context.Background()
	key := types.RoomKey{Room: "room-1", DocID: types.DefaultDocID}

	_, err := c.AddUpdate(ctx, key, []byte("a=1"))
	require.NoError(t, err)

	sv, err := c.GetStateVector(ctx, key)
	require.NoError(t, err)
	assert.Len(t, sv, 1)
}
