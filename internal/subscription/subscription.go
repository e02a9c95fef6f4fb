// Package subscription implements the per-gateway subscription
// multiplexer: one table of room -> {lastId, clients, readers} backed by a
// single XREAD loop across every subscribed room, generalized from the
// teacher's per-room broadcast-with-exclude-sender pattern away from
// role-based permissions (this domain has none at the room level — a
// connection's permission is resolved once at connect time by AuthCheck).
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/crdtsync/yredis-go/internal/apiclient"
	"github.com/crdtsync/yredis-go/internal/logging"
	"github.com/crdtsync/yredis-go/internal/metrics"
	"github.com/crdtsync/yredis-go/internal/protocol"
	"github.com/crdtsync/yredis-go/internal/redisstream"
	"github.com/crdtsync/yredis-go/internal/types"
)

// Client is anything that can receive forwarded bytes and be identified for
// echo suppression. The gateway's websocket client satisfies this.
type Client interface {
	// ID must be stable for the lifetime of the connection.
	ID() types.ClientIDType
	// Deliver is called with encoded sync-step-2 protocol frames: the merged
	// doc on subscribe, or a stream entry's payload wrapped as a frame. It
	// must not block; a slow client is the caller's problem, not the
	// multiplexer's.
	Deliver(data []byte)
}

type roomEntry struct {
	lastID  string
	clients map[types.ClientIDType]Client
	readers int
}

type originEntry struct {
	clientID types.ClientIDType
	at       time.Time
}

// Table is the subscription multiplexer for one gateway process.
type Table struct {
	mu     sync.Mutex
	rooms  map[types.RoomKey]*roomEntry
	stream *redisstream.Client
	api    *apiclient.Client

	readBlockMs time.Duration

	// origins correlates a just-published stream ID to the client that
	// published it, purely in-process (never carried on the wire), so the
	// delivery loop can suppress the echo back to its own originator per
	// §4.5. Entries are short-lived; absence just means both peers get the
	// update, which the CRDT's idempotence makes safe.
	origins map[types.RoomKey]map[string]originEntry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewTable builds a Table and starts its background read loop.
func NewTable(stream *redisstream.Client, api *apiclient.Client, readBlockMs time.Duration) *Table {
	t := &Table{
		rooms:       make(map[types.RoomKey]*roomEntry),
		stream:      stream,
		api:         api,
		readBlockMs: readBlockMs,
		origins:     make(map[types.RoomKey]map[string]originEntry),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go t.loop()
	return t
}

// Subscribe adds client to room's client set. If the room was absent it is
// initialized with lastID "0" (from the beginning of the current stream).
// It then delivers the current merged doc to the new client, framed as a
// sync-step-2.
func (t *Table) Subscribe(ctx context.Context, key types.RoomKey, client Client) error {
	t.mu.Lock()
	entry, existed := t.rooms[key]
	if !existed {
		entry = &roomEntry{lastID: "0", clients: make(map[types.ClientIDType]Client)}
		t.rooms[key] = entry
		metrics.ActiveRooms.Inc()
	}
	entry.clients[client.ID()] = client
	metrics.RoomClients.WithLabelValues(string(key.Room)).Set(float64(len(entry.clients)))
	t.mu.Unlock()

	doc, err := t.api.GetDoc(ctx, key)
	if err != nil {
		return err
	}
	client.Deliver(protocol.Encode(protocol.Frame{Kind: protocol.KindSyncStep2, Payload: doc.Merged.Encode()}))
	return nil
}

// originTTL bounds how long a (room, id) -> client correlation is kept; it
// only needs to outlive one read-loop cycle.
const originTTL = 5 * time.Second

// PublishUpdate publishes updateBytes on behalf of client and records the
// resulting stream ID as client's, so the read loop can skip delivering it
// back to client when it comes around the stream.
func (t *Table) PublishUpdate(ctx context.Context, key types.RoomKey, client Client, updateBytes []byte) error {
	id, err := t.api.AddUpdate(ctx, key, updateBytes)
	if err != nil {
		return err
	}

	t.mu.Lock()
	byID, ok := t.origins[key]
	if !ok {
		byID = make(map[string]originEntry)
		t.origins[key] = byID
	}
	byID[id] = originEntry{clientID: client.ID(), at: time.Now()}
	t.mu.Unlock()
	return nil
}

// BroadcastLocalExcluding forwards data to every client subscribed to key
// on this gateway except excludeClientID, without touching Redis. Used for
// awareness frames, which §4.6 says must broadcast locally and never be
// persisted.
func (t *Table) BroadcastLocalExcluding(key types.RoomKey, excludeClientID types.ClientIDType, data []byte) {
	t.mu.Lock()
	entry, ok := t.rooms[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	clients := make([]Client, 0, len(entry.clients))
	for cid, c := range entry.clients {
		if cid == excludeClientID {
			continue
		}
		clients = append(clients, c)
	}
	t.mu.Unlock()

	for _, c := range clients {
		c.Deliver(data)
	}
}

// Unsubscribe removes client from room's client set. If the set becomes
// empty, the room is dropped from the table and the next XREAD cycle no
// longer covers it.
func (t *Table) Unsubscribe(key types.RoomKey, clientID types.ClientIDType) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.rooms[key]
	if !ok {
		return
	}
	delete(entry.clients, clientID)
	metrics.RoomClients.WithLabelValues(string(key.Room)).Set(float64(len(entry.clients)))
	if len(entry.clients) == 0 {
		delete(t.rooms, key)
		delete(t.origins, key)
		metrics.ActiveRooms.Dec()
	}
}

// Stop halts the background read loop and waits for it to exit.
func (t *Table) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.doneCh
}

func (t *Table) loop() {
	defer close(t.doneCh)
	ctx := context.Background()

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		cursors := t.snapshotCursors()
		if len(cursors) == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		entries, err := t.stream.ReadRooms(ctx, cursors, t.readBlockMs)
		if err != nil {
			logging.Error(ctx, "subscription read loop: ReadRooms failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, e := range entries {
			t.deliver(e.Room, e.ID, e.Data)
		}
	}
}

func (t *Table) snapshotCursors() []redisstream.Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()

	cursors := make([]redisstream.Cursor, 0, len(t.rooms))
	for key, entry := range t.rooms {
		cursors = append(cursors, redisstream.Cursor{Key: key, LastID: entry.lastID})
	}
	return cursors
}

// deliver forwards one stream entry to every subscribed client in room,
// advancing lastID only if the entry is newer than what was already
// delivered. Per-room ordering is preserved because ReadRooms is the sole
// writer of entries and this is the sole consumer.
func (t *Table) deliver(key types.RoomKey, id string, data []byte) {
	t.mu.Lock()
	entry, ok := t.rooms[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	if !idGreater(id, entry.lastID) {
		t.mu.Unlock()
		return
	}
	entry.lastID = id

	var originator types.ClientIDType
	hasOriginator := false
	if byID, ok := t.origins[key]; ok {
		if o, ok := byID[id]; ok {
			originator, hasOriginator = o.clientID, true
			delete(byID, id)
		}
		gcOrigins(byID)
	}

	clients := make([]Client, 0, len(entry.clients))
	for cid, c := range entry.clients {
		if hasOriginator && cid == originator {
			continue
		}
		clients = append(clients, c)
	}
	t.mu.Unlock()

	framed := protocol.Encode(protocol.Frame{Kind: protocol.KindSyncStep2, Payload: data})
	for _, c := range clients {
		c.Deliver(framed)
	}
}

// gcOrigins drops origin correlations older than originTTL so the map
// doesn't grow unbounded if an entry's delivery is skipped (e.g. the room
// was unsubscribed before the loop caught up).
func gcOrigins(byID map[string]originEntry) {
	if len(byID) == 0 {
		return
	}
	now := time.Now()
	for id, o := range byID {
		if now.Sub(o.at) > originTTL {
			delete(byID, id)
		}
	}
}

// idGreater compares two Redis stream IDs ("ms-seq") numerically.
func idGreater(a, b string) bool {
	am, as := splitStreamID(a)
	bm, bs := splitStreamID(b)
	if am != bm {
		return am > bm
	}
	return as > bs
}

func splitStreamID(id string) (int64, int64) {
	var ms, seq int64
	dash := -1
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			dash = i
			break
		}
	}
	if dash < 0 {
		ms = parseInt(id)
		return ms, 0
	}
	ms = parseInt(id[:dash])
	seq = parseInt(id[dash+1:])
	return ms, seq
}

func parseInt(s string) int64 {
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
