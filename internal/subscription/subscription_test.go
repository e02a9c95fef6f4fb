package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crdtsync/yredis-go/internal/apiclient"
	"github.com/crdtsync/yredis-go/internal/protocol"
	"github.com/crdtsync/yredis-go/internal/redisstream"
	"github.com/crdtsync/yredis-go/internal/storage"
	"github.com/crdtsync/yredis-go/internal/types"
)

type fakeClient struct {
	id       types.ClientIDType
	mu       sync.Mutex
	received [][]byte
}

func newFakeClient(id string) *fakeClient { return &fakeClient{id: types.ClientIDType(id)} }

func (f *fakeClient) ID() types.ClientIDType { return f.id }

func (f *fakeClient) Deliver(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, append([]byte(nil), data...))
}

func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fakeClient) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received[len(f.received)-1]
}

func newTestTable(t *testing.T) (*Table, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	stream, err := redisstream.New(mr.Addr(), "", 0, "y-test")
	require.NoError(t, err)

	driver, err := storage.NewFilesystemDriver(t.TempDir())
	require.NoError(t, err)

	api := apiclient.New(stream, driver, 1000, 3*time.Second)
	table := NewTable(stream, api, 100*time.Millisecond)

	cleanup := func() {
		table.Stop()
		stream.Close()
		mr.Close()
	}
	return table, cleanup
}

func TestSubscribe_DeliversCurrentDocImmediately(t *testing.T) {
	table, cleanup := newTestTable(t)
	defer cleanup()

	key := types.RoomKey{Room: "room-1", DocID: types.DefaultDocID}
	client := newFakeClient("client-a")

	require.NoError(t, table.Subscribe(context.Background(), key, client))
	assert.Equal(t, 1, client.count(), "expected the initial merged doc to be delivered on subscribe")

	frames, err := protocol.Decode(client.last())
	require.NoError(t, err, "delivered bytes must be a valid protocol frame, not a raw CRDT payload")
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.KindSyncStep2, frames[0].Kind)
}

func TestPublishUpdate_DeliversToOtherClientsNotOriginator(t *testing.T) {
	table, cleanup := newTestTable(t)
	defer cleanup()

	ctx := context.Background()
	key := types.RoomKey{Room: "room-1", DocID: types.DefaultDocID}

	a := newFakeClient("client-a")
	b := newFakeClient("client-b")
	require.NoError(t, table.Subscribe(ctx, key, a))
	require.NoError(t, table.Subscribe(ctx, key, b))

	require.NoError(t, table.PublishUpdate(ctx, key, a, []byte("a=1")))

	require.Eventually(t, func() bool {
		return b.count() == 2
	}, 2*time.Second, 20*time.Millisecond, "client b should receive its initial doc plus the broadcast update")

	assert.Equal(t, 1, a.count(), "originating client should not receive its own echo")

	frames, err := protocol.Decode(b.last())
	require.NoError(t, err, "broadcast update bytes must be a valid protocol frame")
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.KindSyncStep2, frames[0].Kind)
	assert.Equal(t, []byte("a=1"), frames[0].Payload)
}

func TestUnsubscribe_RemovesRoomWhenEmpty(t *testing.T) {
	table, cleanup := newTestTable(t)
	defer cleanup()

	ctx := context.Background()
	key := types.RoomKey{Room: "room-1", DocID: types.DefaultDocID}
	client := newFakeClient("client-a")

	require.NoError(t, table.Subscribe(ctx, key, client))
	table.Unsubscribe(key, client.ID())

	table.mu.Lock()
	_, present := table.rooms[key]
	table.mu.Unlock()
	assert.False(t, present)
}
