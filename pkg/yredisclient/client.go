// Package yredisclient is the standalone form of the API client: the same
// getDoc/getStateVector/addUpdate surface the gateway embeds, exported for
// callers that want to read or write room documents without running a
// gateway process (e.g. a batch import job or an admin tool).
package yredisclient

import (
	"context"
	"fmt"

	"github.com/crdtsync/yredis-go/internal/apiclient"
	"github.com/crdtsync/yredis-go/internal/crdt"
	"github.com/crdtsync/yredis-go/internal/redisstream"
	"github.com/crdtsync/yredis-go/internal/storage"
	"github.com/crdtsync/yredis-go/internal/types"
)

// Options configures a standalone Client.
type Options struct {
	RedisURL     string
	RedisPrefix  string
	StorageDir   string
	MaxStreamLen int64
}

// Client is the standalone entry point: it owns its own Redis connection
// and storage driver rather than sharing a gateway's.
type Client struct {
	stream *redisstream.Client
	driver storage.Driver
	api    *apiclient.Client
}

// New dials Redis and opens the storage driver described by opts.
func New(opts Options) (*Client, error) {
	if opts.RedisPrefix == "" {
		opts.RedisPrefix = "y"
	}
	if opts.MaxStreamLen == 0 {
		opts.MaxStreamLen = 10_000
	}

	stream, err := redisstream.New(opts.RedisURL, "", 0, opts.RedisPrefix)
	if err != nil {
		return nil, fmt.Errorf("yredisclient: failed to connect to redis: %w", err)
	}

	driver, err := storage.NewFilesystemDriver(opts.StorageDir)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("yredisclient: failed to open storage: %w", err)
	}

	api := apiclient.New(stream, driver, opts.MaxStreamLen, types.DefaultTunables().RedisMinMessageLifetime)
	return &Client{stream: stream, driver: driver, api: api}, nil
}

// GetDoc returns the merged document for room.
func (c *Client) GetDoc(ctx context.Context, room string) (*crdt.State, error) {
	doc, err := c.api.GetDoc(ctx, roomKey(room))
	if err != nil {
		return nil, err
	}
	return doc.Merged, nil
}

// GetStateVector returns room's current state vector.
func (c *Client) GetStateVector(ctx context.Context, room string) (crdt.StateVector, error) {
	return c.api.GetStateVector(ctx, roomKey(room))
}

// AddUpdate appends updateBytes to room's stream and schedules compaction
// as needed, returning the stream ID assigned to the update.
func (c *Client) AddUpdate(ctx context.Context, room string, updateBytes []byte) (string, error) {
	return c.api.AddUpdate(ctx, roomKey(room), updateBytes)
}

// Close releases the Redis connection. The storage driver's resources are
// released via its own Destroy, called here for symmetry.
func (c *Client) Close(ctx context.Context) error {
	_ = c.driver.Destroy(ctx)
	return c.stream.Close()
}

func roomKey(room string) types.RoomKey {
	return types.RoomKey{Room: types.RoomIDType(room), DocID: types.DefaultDocID}
}
