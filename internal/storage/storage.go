// Package storage abstracts the blob store that holds document snapshots.
// The filesystem driver here is the reference implementation named by the
// spec; production deployments would add a driver targeting an object
// store behind the same Driver interface.
package storage

import (
	"context"

	"github.com/crdtsync/yredis-go/internal/crdt"
	"github.com/crdtsync/yredis-go/internal/types"
)

// Reference is an opaque handle a Driver returns from PersistDoc and
// consumes in DeleteReferences. Callers must not parse it.
type Reference string

// RetrievedDoc is what RetrieveDoc returns: the merged document and every
// live reference that contributed to it, so the caller can later request
// deletion of superseded references.
type RetrievedDoc struct {
	Merged     *crdt.State
	References []Reference
}

// Driver is the storage capability contract. All operations are idempotent
// on the (room, docid) key space.
type Driver interface {
	// PersistDoc durably writes a new snapshot and returns its reference.
	// It must not return before the write is durable.
	PersistDoc(ctx context.Context, key types.RoomKey, merged *crdt.State) (Reference, error)

	// RetrieveDoc reads every live snapshot for key, merges them through the
	// CRDT, and returns nil when none exist.
	RetrieveDoc(ctx context.Context, key types.RoomKey) (*RetrievedDoc, error)

	// RetrieveStateVector returns the state vector of the merged document,
	// or nil if no snapshot exists yet.
	RetrieveStateVector(ctx context.Context, key types.RoomKey) (crdt.StateVector, error)

	// DeleteReferences is best-effort: a partial failure is the caller's to
	// log and retry on the next compaction pass.
	DeleteReferences(ctx context.Context, key types.RoomKey, refs []Reference) error

	// Quarantine marks key as holding an undecodable snapshot, preventing
	// DeleteReferences from discarding its references until an operator
	// intervenes.
	Quarantine(ctx context.Context, key types.RoomKey, reason string) error

	// CheckWritable is used by the readiness probe.
	CheckWritable(ctx context.Context) error

	// Destroy releases driver resources.
	Destroy(ctx context.Context) error
}
