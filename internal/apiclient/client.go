// Package apiclient implements getDoc/getStateVector/addUpdate: the
// library embedded in the gateway and usable standalone. It is the only
// component that talks to both storage and the stream client, so it
// owns the merge-on-read path the rest of the system treats as opaque.
package apiclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crdtsync/yredis-go/internal/crdt"
	"github.com/crdtsync/yredis-go/internal/protocol"
	"github.com/crdtsync/yredis-go/internal/redisstream"
	"github.com/crdtsync/yredis-go/internal/storage"
	"github.com/crdtsync/yredis-go/internal/types"
)

// Doc is the result of GetDoc: the merged document and the storage
// references that contributed to it, so a caller (the worker) can later
// request their deletion once a fresher snapshot supersedes them.
type Doc struct {
	Merged     *crdt.State
	References []storage.Reference
}

// Client is the API client. Its only per-room state is the "recently
// queued" marker that throttles worker-task enqueueing; it holds no read
// cursors, since the subscription multiplexer and worker each hold their own.
type Client struct {
	stream  *redisstream.Client
	storage storage.Driver

	maxStreamLen int64

	mu            sync.Mutex
	recentlyQueued map[types.RoomKey]time.Time
	queueTTL       time.Duration
}

// New builds a Client. queueTTL should equal redisMinMessageLifetime: it
// bounds how long a room is treated as "already scheduled" after an
// addUpdate call enqueues a worker task for it.
func New(stream *redisstream.Client, driver storage.Driver, maxStreamLen int64, queueTTL time.Duration) *Client {
	return &Client{
		stream:         stream,
		storage:        driver,
		maxStreamLen:   maxStreamLen,
		recentlyQueued: make(map[types.RoomKey]time.Time),
		queueTTL:       queueTTL,
	}
}

// GetDoc merges the latest snapshot (if any) with the full stream tail.
func (c *Client) GetDoc(ctx context.Context, key types.RoomKey) (*Doc, error) {
	retrieved, err := c.storage.RetrieveDoc(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve snapshot for %s: %w", key.String(), err)
	}

	merged := crdt.NewState()
	var refs []storage.Reference
	if retrieved != nil {
		merged = retrieved.Merged
		refs = retrieved.References
	}

	entries, err := c.stream.ReadFullStream(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream tail for %s: %w", key.String(), err)
	}
	for _, e := range entries {
		merged.Apply(crdt.Update(e.Data))
	}

	return &Doc{Merged: merged, References: refs}, nil
}

// GetStateVector returns key's state vector, preferring storage's cheaper
// path and falling back to deriving it from GetDoc.
func (c *Client) GetStateVector(ctx context.Context, key types.RoomKey) (crdt.StateVector, error) {
	sv, err := c.storage.RetrieveStateVector(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve state vector for %s: %w", key.String(), err)
	}
	if sv != nil {
		return sv, nil
	}

	doc, err := c.GetDoc(ctx, key)
	if err != nil {
		return nil, err
	}
	return doc.Merged.Vector(), nil
}

// AddUpdate rejects an empty updateBytes (the payload is otherwise opaque
// and not inspected), publishes it to key's stream, and schedules a worker
// task the first time a previously-clean room receives a write.
func (c *Client) AddUpdate(ctx context.Context, key types.RoomKey, updateBytes []byte) (string, error) {
	if len(updateBytes) == 0 {
		return "", protocol.ErrMalformedFrame
	}

	id, err := c.stream.Publish(ctx, key, updateBytes, c.maxStreamLen)
	if err != nil {
		return "", fmt.Errorf("failed to publish update to %s: %w", key.String(), err)
	}

	if c.shouldEnqueue(key) {
		if err := c.stream.EnqueueWorkerTask(ctx, key); err != nil {
			return id, fmt.Errorf("update published but failed to enqueue worker task for %s: %w", key.String(), err)
		}
	}

	return id, nil
}

// shouldEnqueue reports whether key was not already scheduled within
// queueTTL, and marks it scheduled as a side effect.
func (c *Client) shouldEnqueue(key types.RoomKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.recentlyQueued[key]; ok && time.Since(last) < c.queueTTL {
		return false
	}
	c.recentlyQueued[key] = time.Now()
	return true
}

// ForgetQueued clears a room's "recently queued" marker. The worker calls
// this after compacting key, just before acking its task, so the next write re-triggers
// scheduling if the room goes clean and dirty again.
func (c *Client) ForgetQueued(key types.RoomKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recentlyQueued, key)
}
