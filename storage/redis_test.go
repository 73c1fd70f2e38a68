package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/chatflow/types"
)

// Helper function to create a sample workflow
func newWorkflow(id string) types.Workflow {
	return types.Workflow{
		ID:   id,
		Name: "Test Workflow",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, Content: types.NodeContent{Text: "Olá!"}},
			{ID: "end", Type: types.NodeEnd},
		},
		Edges: []types.Edge{{From: "start", To: "end"}},
	}
}

func newTestRedis(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStorage(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStorage(t *testing.T) {
	t.Run("NewRedisClient", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := NewRedisClient(RedisOptions{Addr: mr.Addr(), PoolSize: 2})
		require.NoError(t, err)
		assert.NoError(t, client.Close())

		addr := mr.Addr()
		mr.Close()
		_, err = NewRedisClient(RedisOptions{Addr: addr})
		assert.Error(t, err)
	})

	t.Run("SaveAndGetWorkflow", func(t *testing.T) {
		store, mr := newTestRedis(t)
		ctx := context.Background()

		wf := newWorkflow("default")
		require.NoError(t, store.SaveWorkflow(ctx, wf))
		assert.True(t, mr.Exists(workflowPrefix+"default"))

		got, err := store.GetWorkflow(ctx, "default")
		assert.NoError(t, err)
		assert.Equal(t, wf, got)

		_, err = store.GetWorkflow(ctx, "missing")
		assert.True(t, errors.Is(err, ErrWorkflowNotFound))
	})

	t.Run("SaveWorkflowsAndList", func(t *testing.T) {
		store, _ := newTestRedis(t)
		ctx := context.Background()

		require.NoError(t, store.SaveWorkflows(ctx, []types.Workflow{newWorkflow("b"), newWorkflow("a")}))
		list, err := store.ListWorkflows(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].ID)
		assert.Equal(t, "b", list[1].ID)

		require.NoError(t, store.DeleteWorkflow(ctx, "a"))
		list, err = store.ListWorkflows(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("CorruptedValue", func(t *testing.T) {
		store, mr := newTestRedis(t)
		require.NoError(t, mr.Set(workflowPrefix+"bad", "{not json"))
		_, err := store.GetWorkflow(context.Background(), "bad")
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrWorkflowNotFound))
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		store, _ := newTestRedis(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, store.SaveWorkflow(ctx, newWorkflow("x")), context.Canceled)
	})
}
