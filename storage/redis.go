package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/chatflow/types"
)

const workflowPrefix = "chatflow:workflow:"

// ErrNotFound is returned when a requested key is not found.
var ErrNotFound = errors.New("resource not found")

// RedisStorage is a Redis-backed WorkflowStore.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisClient connects and pings a Redis client.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStorage wraps an existing client so it can be shared with the deduper.
func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (s *RedisStorage) saveToRedis(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client *redis.Client, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// SaveWorkflow saves a workflow to Redis.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return s.saveToRedis(ctx, workflowPrefix+wf.ID, wf)
}

// GetWorkflow retrieves a workflow from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, id string) (types.Workflow, error) {
	wf, err := getFromRedis[types.Workflow](ctx, s.client, workflowPrefix+id)
	if errors.Is(err, ErrNotFound) {
		return types.Workflow{}, fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
	}
	return wf, err
}

// SaveWorkflows saves multiple workflows to Redis using pipelining.
func (s *RedisStorage) SaveWorkflows(ctx context.Context, wfs []types.Workflow) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, wf := range wfs {
			data, err := json.Marshal(wf)
			if err != nil {
				return fmt.Errorf("failed to marshal workflow %s: %w", wf.ID, err)
			}
			pipe.Set(ctx, workflowPrefix+wf.ID, data, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for workflows: %w", err)
		}
		return nil
	})
}

// ListWorkflows scans every stored workflow, ordered by ID.
func (s *RedisStorage) ListWorkflows(ctx context.Context) ([]types.Workflow, error) {
	return withContext(ctx, func() ([]types.Workflow, error) {
		var keys []string
		iter := s.client.Scan(ctx, 0, workflowPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan workflow keys: %w", err)
		}

		out := make([]types.Workflow, 0, len(keys))
		for _, key := range keys {
			wf, err := getFromRedis[types.Workflow](ctx, s.client, key)
			if errors.Is(err, ErrNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, wf)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// DeleteWorkflow removes a workflow definition.
func (s *RedisStorage) DeleteWorkflow(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		if err := s.client.Del(ctx, workflowPrefix+id).Err(); err != nil {
			return fmt.Errorf("failed to delete workflow %s: %w", id, err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
