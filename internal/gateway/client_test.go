package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crdtsync/yredis-go/internal/apiclient"
	"github.com/crdtsync/yredis-go/internal/auth"
	"github.com/crdtsync/yredis-go/internal/protocol"
	"github.com/crdtsync/yredis-go/internal/ratelimit"
	"github.com/crdtsync/yredis-go/internal/redisstream"
	"github.com/crdtsync/yredis-go/internal/storage"
	"github.com/crdtsync/yredis-go/internal/subscription"
	"github.com/crdtsync/yredis-go/internal/types"

	"github.com/alicebob/miniredis/v2"
)

// mockConn is a minimal wsConnection double: ReadMessage drains a queue of
// pre-seeded inbound frames then blocks until closed; WriteMessage records
// outbound writes for assertions.
type mockConn struct {
	mu      sync.Mutex
	inbound [][]byte
	written [][]byte
	closed  chan struct{}
}

func newMockConn(inbound ...[]byte) *mockConn {
	return &mockConn{inbound: inbound, closed: make(chan struct{})}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	m.mu.Lock()
	if len(m.inbound) > 0 {
		next := m.inbound[0]
		m.inbound = m.inbound[1:]
		m.mu.Unlock()
		return 2, next, nil
	}
	m.mu.Unlock()

	<-m.closed
	return 0, nil, assertClosedErr
}

var assertClosedErr = errClosed("mock connection closed")

type errClosed string

func (e errClosed) Error() string { return string(e) }

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, append([]byte(nil), data...))
	return nil
}

func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }
func (m *mockConn) SetPongHandler(h func(string) error) {}

func (m *mockConn) Close() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}

func (m *mockConn) writtenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.written)
}

func newTestHub(t *testing.T) (*Hub, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	stream, err := redisstream.New(mr.Addr(), "", 0, "y-test")
	require.NoError(t, err)

	driver, err := storage.NewFilesystemDriver(t.TempDir())
	require.NoError(t, err)

	api := apiclient.New(stream, driver, 1000, 3*time.Second)
	table := subscription.NewTable(stream, api, 100*time.Millisecond)
	limiter, err := ratelimit.New(nil, "1000-M", "1000-M")
	require.NoError(t, err)

	hub := NewHub(auth.DevChecker{}, limiter, table, api, nil)

	cleanup := func() {
		table.Stop()
		stream.Close()
		mr.Close()
	}
	return hub, cleanup
}

func TestClient_DeliverWritesThroughWritePump(t *testing.T) {
	hub, cleanup := newTestHub(t)
	defer cleanup()

	conn := newMockConn()
	c := &Client{
		conn:      conn,
		hub:       hub,
		id:        "client-a",
		room:      types.RoomKey{Room: "room-1", DocID: types.DefaultDocID},
		send:      make(chan []byte, sendBufferSize),
		closeOnce: newCloseGuard(),
	}

	go c.writePump()
	defer conn.Close()

	frame := protocol.Encode(protocol.Frame{Kind: protocol.KindSyncStep2, Payload: []byte("a=1")})
	c.Deliver(frame)

	require.Eventually(t, func() bool {
		return conn.writtenCount() >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestClient_Deliver_ClosesOnFullBuffer(t *testing.T) {
	hub, cleanup := newTestHub(t)
	defer cleanup()

	conn := newMockConn()
	c := &Client{
		conn:      conn,
		hub:       hub,
		id:        "client-a",
		room:      types.RoomKey{Room: "room-1", DocID: types.DefaultDocID},
		send:      make(chan []byte, 1),
		closeOnce: newCloseGuard(),
	}

	c.send <- []byte("fill-the-only-slot")
	c.Deliver([]byte("this-should-trigger-backpressure-close"))

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("expected backpressure close to close the connection")
	}
}

func TestReadPump_ClosesOnMalformedFrame(t *testing.T) {
	hub, cleanup := newTestHub(t)
	defer cleanup()

	ctx := context.Background()
	key := types.RoomKey{Room: "room-1", DocID: types.DefaultDocID}
	require.NoError(t, hub.table.Subscribe(ctx, key, &noopSubscriber{id: "client-a"}))

	conn := newMockConn([]byte{0x80}) // incomplete varint -> malformed
	c := &Client{
		conn:      conn,
		hub:       hub,
		id:        "client-a",
		room:      key,
		send:      make(chan []byte, sendBufferSize),
		closeOnce: newCloseGuard(),
	}

	c.readPump(ctx)

	assert.GreaterOrEqual(t, conn.writtenCount(), 1, "expected a close frame to be written")
}

type noopSubscriber struct{ id types.ClientIDType }

func (n *noopSubscriber) ID() types.ClientIDType { return n.id }
func (n *noopSubscriber) Deliver(data []byte)    {}
