package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crdtsync/yredis-go/internal/crdt"
	"github.com/crdtsync/yredis-go/internal/logging"
	"github.com/crdtsync/yredis-go/internal/types"
)

// FilesystemDriver persists snapshots under
// {bucket}/{urlencode(room)}/{urlencode(docid)}/{uuid}, one file per live
// reference. It is the reference Driver named by the storage interface;
// production drivers would target an object store behind the same
// interface without the gateway or worker needing to change.
type FilesystemDriver struct {
	bucket string
	mu     sync.Mutex
}

// NewFilesystemDriver ensures bucket exists and returns a driver rooted there.
func NewFilesystemDriver(bucket string) (*FilesystemDriver, error) {
	if err := os.MkdirAll(bucket, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage bucket %q: %w", bucket, err)
	}
	return &FilesystemDriver{bucket: bucket}, nil
}

func (d *FilesystemDriver) docDir(key types.RoomKey) string {
	return filepath.Join(d.bucket, url.PathEscape(string(key.Room)), url.PathEscape(string(key.DocID)))
}

func (d *FilesystemDriver) quarantineMarkerPath(key types.RoomKey) string {
	return filepath.Join(d.docDir(key), ".quarantine")
}

// PersistDoc writes merged to a new file named by a fresh uuid and fsyncs it
// before returning, satisfying the "durable before returning" contract.
func (d *FilesystemDriver) PersistDoc(ctx context.Context, key types.RoomKey, merged *crdt.State) (Reference, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dir := d.docDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create doc dir: %w", err)
	}

	ref := uuid.New().String()
	path := filepath.Join(dir, ref)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(merged.Encode()); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("failed to fsync snapshot: %w", err)
	}

	return Reference(ref), nil
}

// RetrieveDoc reads every snapshot file present for key and merges them. A
// snapshot that fails to decode is logged, left out of the merge, and
// quarantined: the marker makes DeleteReferences refuse to delete this key's
// references. Callers see an error only when no snapshot for key decodes;
// otherwise the decodable snapshots are returned without an error.
func (d *FilesystemDriver) RetrieveDoc(ctx context.Context, key types.RoomKey) (*RetrievedDoc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dir := d.docDir(key)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list doc dir: %w", err)
	}

	merged := crdt.NewState()
	var refs []Reference
	var decodeErr error

	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ".quarantine" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot %q: %w", entry.Name(), err)
		}
		state, err := crdt.Decode(data)
		if err != nil {
			decodeErr = fmt.Errorf("snapshot %q undecodable: %w", entry.Name(), err)
			logging.Error(ctx, fmt.Sprintf("quarantining %s: %v", key.String(), decodeErr))
			if qerr := d.quarantineLocked(key, decodeErr.Error()); qerr != nil {
				logging.Error(ctx, fmt.Sprintf("failed to write quarantine marker for %s: %v", key.String(), qerr))
			}
			continue
		}
		merged = crdt.MergeStates(merged, state)
		refs = append(refs, Reference(entry.Name()))
	}

	if len(refs) == 0 && decodeErr != nil {
		return nil, decodeErr
	}
	if len(refs) == 0 {
		return nil, nil
	}

	return &RetrievedDoc{Merged: merged, References: refs}, nil
}

// RetrieveStateVector derives the state vector from RetrieveDoc since the
// filesystem driver has no cheaper path.
func (d *FilesystemDriver) RetrieveStateVector(ctx context.Context, key types.RoomKey) (crdt.StateVector, error) {
	doc, err := d.RetrieveDoc(ctx, key)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return doc.Merged.Vector(), nil
}

// DeleteReferences removes the named snapshot files. It refuses to delete
// anything for a quarantined key.
func (d *FilesystemDriver) DeleteReferences(ctx context.Context, key types.RoomKey, refs []Reference) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := os.Stat(d.quarantineMarkerPath(key)); err == nil {
		return fmt.Errorf("refusing to delete references for quarantined key %s", key.String())
	}

	dir := d.docDir(key)
	var firstErr error
	for _, ref := range refs {
		path := filepath.Join(dir, string(ref))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Error(ctx, fmt.Sprintf("failed to delete reference %s for %s: %v", ref, key.String(), err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Quarantine writes a companion marker object recording reason, preventing
// DeleteReferences from discarding this key's references.
func (d *FilesystemDriver) Quarantine(ctx context.Context, key types.RoomKey, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quarantineLocked(key, reason)
}

type quarantineMarker struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *FilesystemDriver) quarantineLocked(key types.RoomKey, reason string) error {
	dir := d.docDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(quarantineMarker{Reason: reason, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	return os.WriteFile(d.quarantineMarkerPath(key), data, 0o644)
}

// CheckWritable writes and removes a small probe file, used by the
// readiness endpoint.
func (d *FilesystemDriver) CheckWritable(ctx context.Context) error {
	probe := filepath.Join(d.bucket, ".writable-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("storage bucket not writable: %w", err)
	}
	return os.Remove(probe)
}

// Destroy is a no-op for the filesystem driver; files remain on disk.
func (d *FilesystemDriver) Destroy(ctx context.Context) error { return nil }
