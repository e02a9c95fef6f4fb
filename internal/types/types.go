// Package types defines the shared identifiers and tunables used across the
// gateway, worker, and API client.
package types

import "time"

// RoomIDType identifies a logical collaboration room.
type RoomIDType string

// DocIDType identifies a document within a room. Callers normally use
// DefaultDocID; the type exists for future multi-doc-per-room support.
type DocIDType string

// DefaultDocID is the literal doc id used when callers don't need more than
// one document per room.
const DefaultDocID DocIDType = "index"

// ClientIDType identifies one connected websocket client.
type ClientIDType string

// PermissionType is the access level an AuthCheck grants for a room.
type PermissionType string

const (
	PermissionReadWrite PermissionType = "read-write"
	PermissionReadOnly  PermissionType = "read-only"
	PermissionDenied    PermissionType = "denied"
)

// Tunables holds the timing constants named throughout spec §5 and §8.
// All fields have the defaults used in the seed scenarios; production
// deployments may override them via config.Config.
type Tunables struct {
	// ReadBlockMs caps each XREAD call against subscribed room streams.
	ReadBlockMs time.Duration
	// WorkerBlockMs caps each XREADGROUP call against the worker queue.
	WorkerBlockMs time.Duration
	// RedisMinMessageLifetime is the minimum age a stream entry must reach
	// before a worker may compact it away; it bounds in-flight publish/read
	// races.
	RedisMinMessageLifetime time.Duration
	// RedisWorkerTimeout is the consumer-group claim TTL. Must exceed
	// RedisMinMessageLifetime + 2x typical persist latency.
	RedisWorkerTimeout time.Duration
}

// DefaultTunables mirrors the values implied by spec.md's seed scenarios.
func DefaultTunables() Tunables {
	return Tunables{
		ReadBlockMs:             1000 * time.Millisecond,
		WorkerBlockMs:           1000 * time.Millisecond,
		RedisMinMessageLifetime: 3 * time.Second,
		RedisWorkerTimeout:      15 * time.Second,
	}
}

// RoomKey is the (room, docid) identity used by Storage, the CRDT layer, and
// Redis key derivation.
type RoomKey struct {
	Room  RoomIDType
	DocID DocIDType
}

func (k RoomKey) String() string {
	return string(k.Room) + "/" + string(k.DocID)
}
