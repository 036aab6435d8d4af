package filecache

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Redis stores each session's files in a hash and tracks first-insertion
// order in a companion list. The cache backend is the one resource shared
// across orchestrator instances, so this is what enables horizontal scale.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "sentbox:cache:"}
}

func (r *Redis) filesKey(sessionID string) string {
	return r.prefix + sessionID + ":files"
}

func (r *Redis) orderKey(sessionID string) string {
	return r.prefix + sessionID + ":order"
}

func (r *Redis) Put(ctx context.Context, sessionID, path string, data []byte) error {
	exists, err := r.client.HExists(ctx, r.filesKey(sessionID), path).Result()
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}

	pipe := r.client.Pipeline()
	if !exists {
		pipe.RPush(ctx, r.orderKey(sessionID), path)
	}
	pipe.HSet(ctx, r.filesKey(sessionID), path, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

func (r *Redis) GetAll(ctx context.Context, sessionID string) ([]Entry, error) {
	order, err := r.client.LRange(ctx, r.orderKey(sessionID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, &ReadError{Err: err}
	}
	if len(order) == 0 {
		return nil, nil
	}

	files, err := r.client.HGetAll(ctx, r.filesKey(sessionID)).Result()
	if err != nil {
		return nil, &ReadError{Err: err}
	}

	entries := make([]Entry, 0, len(order))
	for _, path := range order {
		data, ok := files[path]
		if !ok {
			// order list ahead of the hash; skip rather than fail the restore
			continue
		}
		entries = append(entries, Entry{Path: path, Data: []byte(data)})
	}
	return entries, nil
}

func (r *Redis) Purge(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.filesKey(sessionID), r.orderKey(sessionID)).Err(); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}
