// Package worker implements the compactor pool: a loop per process that
// claims dirty-room tasks from the worker consumer group, rebuilds the
// merged document from snapshot + stream tail, persists a fresh snapshot,
// and trims or deletes the drained stream.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/crdtsync/yredis-go/internal/apiclient"
	"github.com/crdtsync/yredis-go/internal/logging"
	"github.com/crdtsync/yredis-go/internal/metrics"
	"github.com/crdtsync/yredis-go/internal/redisstream"
	"github.com/crdtsync/yredis-go/internal/storage"
	"github.com/crdtsync/yredis-go/internal/types"
)

var tracer = otel.Tracer("github.com/crdtsync/yredis-go/internal/worker")

// Worker runs the compactor loop described in §4.7.
type Worker struct {
	id       string
	stream   *redisstream.Client
	api      *apiclient.Client
	storage  storage.Driver
	tunables types.Tunables

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Worker identified by consumerID (the logical consumer name
// within the shared "worker" consumer group).
func New(consumerID string, stream *redisstream.Client, api *apiclient.Client, driver storage.Driver, tunables types.Tunables) *Worker {
	return &Worker{
		id:       consumerID,
		stream:   stream,
		api:      api,
		storage:  driver,
		tunables: tunables,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run blocks, executing the compactor loop until ctx is cancelled or Stop
// is called.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)

	if err := w.stream.EnsureWorkerGroup(ctx); err != nil {
		logging.Error(ctx, fmt.Sprintf("worker %s: failed to ensure consumer group: %v", w.id, err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		w.reclaimStolenTasks(ctx)

		task, err := w.stream.ClaimNextTask(ctx, w.id, w.tunables.WorkerBlockMs)
		if err != nil {
			logging.Error(ctx, fmt.Sprintf("worker %s: claim failed: %v", w.id, err))
			continue
		}
		if task == nil {
			continue
		}

		w.runCompaction(ctx, *task)
	}
}

// Stop signals Run to exit and waits for it.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// reclaimStolenTasks hands tasks whose claim TTL has expired to this
// worker, per the XAUTOCLAIM-based recovery in §4.7's failure note.
func (w *Worker) reclaimStolenTasks(ctx context.Context) {
	tasks, err := w.stream.AutoclaimStolenTasks(ctx, w.id, w.tunables.RedisWorkerTimeout)
	if err != nil {
		logging.Error(ctx, fmt.Sprintf("worker %s: autoclaim failed: %v", w.id, err))
		return
	}
	for _, t := range tasks {
		w.runCompaction(ctx, t)
	}
}

// runCompaction executes steps 3-10 of §4.7 for one task. It's safe to
// re-run on the same task repeatedly: compaction is idempotent because
// persisted snapshots are equivalent under CRDT merge.
func (w *Worker) runCompaction(ctx context.Context, task redisstream.Task) {
	ctx, span := tracer.Start(ctx, "compact_room", trace.WithAttributes(attribute.String("room", string(task.Room.Room))))
	defer span.End()

	start := time.Now()
	status := "ok"
	defer func() {
		metrics.WorkerCompactions.WithLabelValues(status).Inc()
		metrics.WorkerCompactionDuration.Observe(time.Since(start).Seconds())
	}()

	room := task.Room

	length, err := w.stream.StreamLen(ctx, room)
	if err != nil {
		status = "error"
		logging.Error(ctx, fmt.Sprintf("worker %s: streamlen failed for %s: %v", w.id, room.String(), err))
		return
	}
	if length == 0 {
		if err := w.stream.AckTask(ctx, task.ID); err != nil {
			status = "error"
			logging.Error(ctx, fmt.Sprintf("worker %s: ack failed for empty room %s: %v", w.id, room.String(), err))
		}
		return
	}

	tailID, err := w.stream.StreamTailID(ctx, room)
	if err != nil {
		status = "error"
		logging.Error(ctx, fmt.Sprintf("worker %s: tail id failed for %s: %v", w.id, room.String(), err))
		return
	}

	if !w.waitForQuiescence(ctx, room, tailID) {
		// The claim TTL elapsed (a peer may have reclaimed the task) or the
		// worker is stopping; abort silently, per §4.7 step 5.
		status = "stolen"
		return
	}

	doc, err := w.api.GetDoc(ctx, room)
	if err != nil {
		status = "error"
		logging.Error(ctx, fmt.Sprintf("worker %s: getDoc failed for %s: %v", w.id, room.String(), err))
		return
	}

	if _, err := w.storage.PersistDoc(ctx, room, doc.Merged); err != nil {
		status = "error"
		logging.Error(ctx, fmt.Sprintf("worker %s: persistDoc failed for %s: %v", w.id, room.String(), err))
		return
	}

	if err := w.storage.DeleteReferences(ctx, room, doc.References); err != nil {
		// Best-effort per §4.2; log and let the next compaction retry.
		logging.Warn(ctx, fmt.Sprintf("worker %s: deleteReferences failed for %s: %v", w.id, room.String(), err))
	}

	if err := w.stream.TrimStream(ctx, room, nextID(tailID)); err != nil {
		status = "error"
		logging.Error(ctx, fmt.Sprintf("worker %s: trim failed for %s: %v", w.id, room.String(), err))
		return
	}

	remaining, err := w.stream.StreamLen(ctx, room)
	if err != nil {
		status = "error"
		logging.Error(ctx, fmt.Sprintf("worker %s: post-trim streamlen failed for %s: %v", w.id, room.String(), err))
		return
	}
	if remaining == 0 {
		if err := w.stream.DeleteStream(ctx, room); err != nil {
			logging.Warn(ctx, fmt.Sprintf("worker %s: failed to delete drained stream for %s: %v", w.id, room.String(), err))
		}
	}

	w.api.ForgetQueued(room)

	if err := w.stream.AckTask(ctx, task.ID); err != nil {
		status = "error"
		logging.Error(ctx, fmt.Sprintf("worker %s: ack failed for %s: %v", w.id, room.String(), err))
		return
	}
}

// waitForQuiescence sleeps until tailID has aged past RedisMinMessageLifetime
// so in-flight publishers and subscribers drain. It does not query Redis for
// the claim's owner; it returns false once RedisWorkerTimeout has elapsed
// since the wait began (after which a peer may have reclaimed the task), or
// when ctx is cancelled or Stop is called.
func (w *Worker) waitForQuiescence(ctx context.Context, room types.RoomKey, tailID string) bool {
	deadline := entryTime(tailID).Add(w.tunables.RedisMinMessageLifetime)
	claimDeadline := time.Now().Add(w.tunables.RedisWorkerTimeout)

	for {
		now := time.Now()
		if now.After(deadline) {
			return true
		}
		if now.After(claimDeadline) {
			return false
		}

		wait := deadline.Sub(now)
		if wait > 250*time.Millisecond {
			wait = 250 * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return false
		case <-w.stopCh:
			return false
		case <-time.After(wait):
		}
	}
}

// entryTime extracts the millisecond timestamp embedded in a Redis stream
// ID ("ms-seq").
func entryTime(id string) time.Time {
	ms := int64(0)
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			break
		}
		if id[i] < '0' || id[i] > '9' {
			break
		}
		ms = ms*10 + int64(id[i]-'0')
	}
	return time.UnixMilli(ms)
}

// nextID returns the smallest stream ID strictly greater than id, used as
// TrimStream's MINID so every entry up to and including the persisted tail
// at id is trimmed.
func nextID(id string) string {
	ms := int64(0)
	seq := int64(0)
	dash := -1
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			dash = i
			break
		}
	}
	if dash < 0 {
		for i := 0; i < len(id); i++ {
			ms = ms*10 + int64(id[i]-'0')
		}
		return fmt.Sprintf("%d-1", ms)
	}
	for i := 0; i < dash; i++ {
		ms = ms*10 + int64(id[i]-'0')
	}
	for i := dash + 1; i < len(id); i++ {
		seq = seq*10 + int64(id[i]-'0')
	}
	return fmt.Sprintf("%d-%d", ms, seq+1)
}
