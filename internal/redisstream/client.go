// Package redisstream wraps the native Redis stream commands the rest of
// the system needs (XADD, XREAD, XREADGROUP, XACK, XDEL, XTRIM, XLEN,
// XAUTOCLAIM), with every call routed through a circuit breaker so a Redis
// outage degrades gracefully instead of cascading into caller panics.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/crdtsync/yredis-go/internal/logging"
	"github.com/crdtsync/yredis-go/internal/metrics"
	"github.com/crdtsync/yredis-go/internal/types"
)

// Entry is one (room, id, bytes) tuple returned by ReadRooms, preserving
// per-stream ordering.
type Entry struct {
	Room types.RoomKey
	ID   string
	Data []byte
}

// Cursor is the subscription table's per-room read position: the stream ID
// of the last entry already delivered to local clients.
type Cursor struct {
	Key    types.RoomKey
	LastID string
}

// Client is the stream client used by the gateway, API client, and worker.
type Client struct {
	rdb    *redis.Client
	cb     *gobreaker.CircuitBreaker
	prefix string
}

// New dials addr and verifies connectivity before returning, wrapping every
// subsequent call in a circuit breaker named "redis-stream".
func New(addr, password string, db int, prefix string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	settings := gobreaker.Settings{
		Name:        "redis-stream",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn(context.Background(), fmt.Sprintf("circuit breaker %s: %s -> %s", name, from, to))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	}

	return &Client{rdb: rdb, cb: gobreaker.NewCircuitBreaker(settings), prefix: prefix}, nil
}

// RoomStreamKey returns {prefix}:room:{room}:{docid}.
func (c *Client) RoomStreamKey(key types.RoomKey) string {
	return fmt.Sprintf("%s:room:%s:%s", c.prefix, key.Room, key.DocID)
}

// WorkerStreamKey returns {prefix}:worker.
func (c *Client) WorkerStreamKey() string {
	return fmt.Sprintf("%s:worker", c.prefix)
}

const workerConsumerGroup = "worker"

func (c *Client) execute(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	result, err := c.cb.Execute(fn)
	metrics.RedisOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) {
		metrics.CircuitBreakerFailures.WithLabelValues("redis-stream").Inc()
		metrics.RedisOperationsTotal.WithLabelValues(op, "circuit_open").Inc()
		return nil, err
	}
	if err != nil {
		metrics.RedisOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.RedisOperationsTotal.WithLabelValues(op, "ok").Inc()
	return result, nil
}

// Ping is used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.execute(ctx, "ping", func() (interface{}, error) {
		return nil, c.rdb.Ping(ctx).Err()
	})
	return err
}

// Publish appends updateBytes to roomKey's stream, trimming approximately to
// maxLen, and returns the new entry's stream ID.
func (c *Client) Publish(ctx context.Context, key types.RoomKey, updateBytes []byte, maxLen int64) (string, error) {
	result, err := c.execute(ctx, "xadd", func() (interface{}, error) {
		return c.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: c.RoomStreamKey(key),
			MaxLen: maxLen,
			Approx: true,
			Values: map[string]interface{}{"m": updateBytes},
		}).Result()
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// ReadRooms blocks up to readBlockMs across every stream named by cursors,
// and returns newly-arrived entries preserving per-stream order. It returns
// an empty slice (not an error) on timeout.
func (c *Client) ReadRooms(ctx context.Context, cursors []Cursor, readBlockMs time.Duration) ([]Entry, error) {
	if len(cursors) == 0 {
		return nil, nil
	}

	streams := make([]string, 0, len(cursors)*2)
	keyByStream := make(map[string]types.RoomKey, len(cursors))
	for _, cur := range cursors {
		streamKey := c.RoomStreamKey(cur.Key)
		streams = append(streams, streamKey)
		keyByStream[streamKey] = cur.Key
	}
	for _, cur := range cursors {
		id := cur.LastID
		if id == "" {
			id = "0"
		}
		streams = append(streams, id)
	}

	result, err := c.execute(ctx, "xread", func() (interface{}, error) {
		res, err := c.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: streams,
			Block:   readBlockMs,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return []redis.XStream{}, nil
		}
		return res, err
	})
	if err != nil {
		return nil, err
	}

	streamsResult := result.([]redis.XStream)
	var entries []Entry
	for _, s := range streamsResult {
		roomKey := keyByStream[s.Stream]
		for _, msg := range s.Messages {
			raw := msg.Values["m"]
			data, _ := toBytes(raw)
			entries = append(entries, Entry{Room: roomKey, ID: msg.ID, Data: data})
		}
	}
	return entries, nil
}

func toBytes(v interface{}) ([]byte, bool) {
	switch t := v.(type) {
	case string:
		return []byte(t), true
	case []byte:
		return t, true
	default:
		return nil, false
	}
}

// EnqueueWorkerTask pushes roomKey onto the worker stream, scheduling it for
// compaction inspection.
func (c *Client) EnqueueWorkerTask(ctx context.Context, key types.RoomKey) error {
	_, err := c.execute(ctx, "xadd_worker", func() (interface{}, error) {
		return c.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: c.WorkerStreamKey(),
			Values: map[string]interface{}{"room": string(key.Room), "docid": string(key.DocID)},
		}).Result()
	})
	return err
}

// EnsureWorkerGroup creates the worker consumer group if it doesn't exist
// yet; callers should invoke this once at worker startup.
func (c *Client) EnsureWorkerGroup(ctx context.Context) error {
	_, err := c.execute(ctx, "xgroup_create", func() (interface{}, error) {
		err := c.rdb.XGroupCreateMkStream(ctx, c.WorkerStreamKey(), workerConsumerGroup, "0").Err()
		if err != nil && isBusyGroupErr(err) {
			return nil, nil
		}
		return nil, err
	})
	return err
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Task is one claimed worker-queue entry.
type Task struct {
	ID   string
	Room types.RoomKey
}

// ClaimNextTask reads one new task from the worker stream on behalf of
// consumer, blocking up to workerBlockMs. It returns nil, nil on timeout.
func (c *Client) ClaimNextTask(ctx context.Context, consumer string, workerBlockMs time.Duration) (*Task, error) {
	result, err := c.execute(ctx, "xreadgroup", func() (interface{}, error) {
		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    workerConsumerGroup,
			Consumer: consumer,
			Streams:  []string{c.WorkerStreamKey(), ">"},
			Count:    1,
			Block:    workerBlockMs,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return []redis.XStream{}, nil
		}
		return res, err
	})
	if err != nil {
		return nil, err
	}

	streams := result.([]redis.XStream)
	for _, s := range streams {
		for _, msg := range s.Messages {
			room, _ := msg.Values["room"].(string)
			docid, _ := msg.Values["docid"].(string)
			return &Task{
				ID:   msg.ID,
				Room: types.RoomKey{Room: types.RoomIDType(room), DocID: types.DocIDType(docid)},
			}, nil
		}
	}
	return nil, nil
}

// AutoclaimStolenTasks reclaims worker-stream entries whose idle time
// exceeds minIdleTime, handing them to consumer. Used after a peer's claim
// TTL expires.
func (c *Client) AutoclaimStolenTasks(ctx context.Context, consumer string, minIdleTime time.Duration) ([]Task, error) {
	result, err := c.execute(ctx, "xautoclaim", func() (interface{}, error) {
		_, msgs, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.WorkerStreamKey(),
			Group:    workerConsumerGroup,
			Consumer: consumer,
			MinIdle:  minIdleTime,
			Start:    "0-0",
			Count:    10,
		}).Result()
		return msgs, err
	})
	if err != nil {
		return nil, err
	}

	msgs := result.([]redis.XMessage)
	tasks := make([]Task, 0, len(msgs))
	for _, msg := range msgs {
		room, _ := msg.Values["room"].(string)
		docid, _ := msg.Values["docid"].(string)
		tasks = append(tasks, Task{
			ID:   msg.ID,
			Room: types.RoomKey{Room: types.RoomIDType(room), DocID: types.DocIDType(docid)},
		})
	}
	return tasks, nil
}

// AckTask acknowledges and deletes id from the worker stream, the terminal
// step of a successful or idempotent no-op compaction.
func (c *Client) AckTask(ctx context.Context, id string) error {
	_, err := c.execute(ctx, "xack", func() (interface{}, error) {
		if err := c.rdb.XAck(ctx, c.WorkerStreamKey(), workerConsumerGroup, id).Err(); err != nil {
			return nil, err
		}
		return nil, c.rdb.XDel(ctx, c.WorkerStreamKey(), id).Err()
	})
	return err
}

// TrimStream trims key up to (and excluding) uptoID.
func (c *Client) TrimStream(ctx context.Context, key types.RoomKey, uptoID string) error {
	_, err := c.execute(ctx, "xtrim", func() (interface{}, error) {
		return nil, c.rdb.XTrimMinID(ctx, c.RoomStreamKey(key), uptoID).Err()
	})
	return err
}

// StreamLen returns key's current entry count.
func (c *Client) StreamLen(ctx context.Context, key types.RoomKey) (int64, error) {
	result, err := c.execute(ctx, "xlen", func() (interface{}, error) {
		return c.rdb.XLen(ctx, c.RoomStreamKey(key)).Result()
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// DeleteStream removes the room stream key entirely, once drained.
func (c *Client) DeleteStream(ctx context.Context, key types.RoomKey) error {
	_, err := c.execute(ctx, "del_stream", func() (interface{}, error) {
		return nil, c.rdb.Del(ctx, c.RoomStreamKey(key)).Err()
	})
	return err
}

// StreamTailID returns the ID of the most recent entry in key's stream, or
// "0" if the stream doesn't exist or is empty.
func (c *Client) StreamTailID(ctx context.Context, key types.RoomKey) (string, error) {
	result, err := c.execute(ctx, "xrevrange_tail", func() (interface{}, error) {
		return c.rdb.XRevRangeN(ctx, c.RoomStreamKey(key), "+", "-", 1).Result()
	})
	if err != nil {
		return "0", err
	}
	msgs := result.([]redis.XMessage)
	if len(msgs) == 0 {
		return "0", nil
	}
	return msgs[0].ID, nil
}

// ReadFullStream returns every entry in key's stream in order, used by the
// API client to replay the tail onto a retrieved snapshot.
func (c *Client) ReadFullStream(ctx context.Context, key types.RoomKey) ([]Entry, error) {
	result, err := c.execute(ctx, "xrange", func() (interface{}, error) {
		return c.rdb.XRange(ctx, c.RoomStreamKey(key), "-", "+").Result()
	})
	if err != nil {
		return nil, err
	}
	msgs := result.([]redis.XMessage)
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		raw := msg.Values["m"]
		data, _ := toBytes(raw)
		entries = append(entries, Entry{Room: key, ID: msg.ID, Data: data})
	}
	return entries, nil
}

// Underlying exposes the raw redis client for callers that need a feature
// this wrapper doesn't cover (e.g. worker-queue length for health/metrics).
func (c *Client) Underlying() *redis.Client { return c.rdb }

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }
