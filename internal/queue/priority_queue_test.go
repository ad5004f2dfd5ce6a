package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh-go/internal/domain/workflow"
	"github.com/flowmesh-go/pkg/logger"
)

func queueItem(id string, enqueued, ready time.Time) *Item {
	return &Item{
		Request:    workflowRequest(id),
		Priority:   workflow.PriorityNormal,
		EnqueuedAt: enqueued,
		ReadyAt:    ready,
	}
}

func workflowRequest(id string) *workflow.ExecutionRequest {
	request := workflow.NewExecutionRequest("wf", nil)
	request.ID = id
	return request
}

func TestPriorityQueueFIFOWithinBand(t *testing.T) {
	pq := NewPriorityQueue(workflow.PriorityNormal)
	base := time.Now().Add(-time.Minute)

	pq.Push(queueItem("second", base.Add(time.Second), base.Add(time.Second)))
	pq.Push(queueItem("first", base, base))
	pq.Push(queueItem("third", base.Add(2*time.Second), base.Add(2*time.Second)))

	assert.Equal(t, 3, pq.Size())
	now := time.Now()
	assert.Equal(t, "first", pq.PopReady(now).Request.ID)
	assert.Equal(t, "second", pq.PopReady(now).Request.ID)
	assert.Equal(t, "third", pq.PopReady(now).Request.ID)
	assert.Nil(t, pq.PopReady(now))
}

func TestPriorityQueueHoldsFutureItems(t *testing.T) {
	pq := NewPriorityQueue(workflow.PriorityNormal)
	now := time.Now()

	pq.Push(queueItem("later", now, now.Add(time.Hour)))
	pq.Push(queueItem("now", now, now))

	got := pq.PopReady(now)
	require.NotNil(t, got)
	assert.Equal(t, "now", got.Request.ID)

	// The delayed item stays queued until its ReadyAt passes.
	assert.Nil(t, pq.PopReady(now))
	assert.Equal(t, 1, pq.Size())

	got = pq.PopReady(now.Add(2 * time.Hour))
	require.NotNil(t, got)
	assert.Equal(t, "later", got.Request.ID)
}

func TestPriorityQueueRemove(t *testing.T) {
	pq := NewPriorityQueue(workflow.PriorityNormal)
	now := time.Now()
	pq.Push(queueItem("a", now, now))
	pq.Push(queueItem("b", now.Add(time.Millisecond), now))

	assert.False(t, pq.Remove("missing"))
	assert.True(t, pq.Remove("a"))
	assert.Equal(t, 1, pq.Size())

	got := pq.PopReady(now)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Request.ID)
}

func TestPriorityQueuePeekAndClear(t *testing.T) {
	pq := NewPriorityQueue(workflow.PriorityHigh)
	assert.Nil(t, pq.Peek())

	now := time.Now()
	pq.Push(queueItem("a", now, now))
	require.NotNil(t, pq.Peek())
	assert.Equal(t, "a", pq.Peek().Request.ID)
	assert.Equal(t, 1, pq.Size(), "peek does not remove")

	pq.Clear()
	assert.Equal(t, 0, pq.Size())
}

func TestDeadLetterQueueReAddBumpsRetryCount(t *testing.T) {
	ctx := context.Background()
	dlq := NewDeadLetterQueue(2, nil, logger.NewNop())

	request := workflowRequest("req-1")
	dlq.Add(ctx, request, errors.New("first failure"))
	require.Equal(t, 1, dlq.Size())
	assert.Len(t, dlq.Retryable(), 1)

	dlq.Add(ctx, request, errors.New("second failure"))
	require.Equal(t, 1, dlq.Size(), "same request id is a single entry")

	item := dlq.All()[0]
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, "second failure", item.Error)
	assert.True(t, item.CanRetry)

	// A further failure exhausts the replay budget.
	dlq.Add(ctx, request, errors.New("third failure"))
	item = dlq.All()[0]
	assert.Equal(t, 2, item.RetryCount)
	assert.False(t, item.CanRetry)
	assert.Empty(t, dlq.Retryable())
}

func TestDeadLetterQueueRemove(t *testing.T) {
	ctx := context.Background()
	dlq := NewDeadLetterQueue(3, nil, logger.NewNop())
	dlq.Add(ctx, workflowRequest("req-1"), errors.New("boom"))

	assert.False(t, dlq.Remove("missing"))
	assert.True(t, dlq.Remove("req-1"))
	assert.Equal(t, 0, dlq.Size())
}

func TestDeadLetterQueueRedisRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	dlq := NewDeadLetterQueue(3, client, logger.NewNop())
	dlq.Add(ctx, workflowRequest("req-1"), errors.New("boom"))
	dlq.Add(ctx, workflowRequest("req-2"), errors.New("also boom"))

	restored := NewDeadLetterQueue(3, client, logger.NewNop())
	require.NoError(t, restored.RestoreFromRedis(ctx))
	assert.Equal(t, 2, restored.Size())

	// Removal clears the persisted copy too.
	require.True(t, restored.Remove("req-1"))
	again := NewDeadLetterQueue(3, client, logger.NewNop())
	require.NoError(t, again.RestoreFromRedis(ctx))
	assert.Equal(t, 1, again.Size())
	assert.Equal(t, "req-2", again.All()[0].Request.ID)
}
