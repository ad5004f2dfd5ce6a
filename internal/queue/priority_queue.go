package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowmesh-go/internal/domain/workflow"
	"github.com/flowmesh-go/pkg/logger"
)

// Item is one queued execution request. ReadyAt defers dispatch for
// delayed jobs and retry backoff.
type Item struct {
	Request     *workflow.ExecutionRequest `json:"request"`
	Priority    workflow.ExecutionPriority `json:"priority"`
	EnqueuedAt  time.Time                  `json:"enqueuedAt"`
	ReadyAt     time.Time                  `json:"readyAt"`
	RetryCount  int                        `json:"retryCount"`
	LastRetryAt *time.Time                 `json:"lastRetryAt,omitempty"`
	index       int
}

// itemHeap orders items by ReadyAt, then FIFO on EnqueuedAt.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if !h[i].ReadyAt.Equal(h[j].ReadyAt) {
		return h[i].ReadyAt.Before(h[j].ReadyAt)
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PriorityQueue is a mutex-guarded heap of items for one priority band.
type PriorityQueue struct {
	mu       sync.RWMutex
	items    itemHeap
	priority workflow.ExecutionPriority
}

func NewPriorityQueue(priority workflow.ExecutionPriority) *PriorityQueue {
	pq := &PriorityQueue{priority: priority}
	heap.Init(&pq.items)
	return pq
}

func (pq *PriorityQueue) Push(item *Item) {
	pq.mu.Lock()
	heap.Push(&pq.items, item)
	pq.mu.Unlock()
}

// PopReady removes and returns the next item whose ReadyAt has passed,
// or nil when nothing is dispatchable yet.
func (pq *PriorityQueue) PopReady(now time.Time) *Item {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if len(pq.items) == 0 || pq.items[0].ReadyAt.After(now) {
		return nil
	}
	return heap.Pop(&pq.items).(*Item)
}

func (pq *PriorityQueue) Peek() *Item {
	pq.mu.RLock()
	defer pq.mu.RUnlock()

	if len(pq.items) == 0 {
		return nil
	}
	return pq.items[0]
}

func (pq *PriorityQueue) Size() int {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	return len(pq.items)
}

// All returns a copy of the queued items without removing them.
func (pq *PriorityQueue) All() []*Item {
	pq.mu.RLock()
	defer pq.mu.RUnlock()

	items := make([]*Item, len(pq.items))
	copy(items, pq.items)
	return items
}

// Remove deletes the item for a request id. Returns false when absent.
func (pq *PriorityQueue) Remove(requestID string) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	for i, item := range pq.items {
		if item.Request.ID == requestID {
			heap.Remove(&pq.items, i)
			return true
		}
	}
	return false
}

func (pq *PriorityQueue) Clear() {
	pq.mu.Lock()
	pq.items = pq.items[:0]
	pq.mu.Unlock()
}

// DeadLetterQueue collects jobs that exhausted their retries. Items are
// mirrored to Redis when a client is configured.
type DeadLetterQueue struct {
	mu         sync.RWMutex
	items      []*DeadLetterItem
	maxRetries int
	redis      *redis.Client
	logger     logger.Logger
}

type DeadLetterItem struct {
	Request     *workflow.ExecutionRequest `json:"request"`
	Error       string                     `json:"error"`
	FailedAt    time.Time                  `json:"failedAt"`
	RetryCount  int                        `json:"retryCount"`
	LastRetryAt *time.Time                 `json:"lastRetryAt,omitempty"`
	CanRetry    bool                       `json:"canRetry"`
}

func NewDeadLetterQueue(maxRetries int, redisClient *redis.Client, log logger.Logger) *DeadLetterQueue {
	return &DeadLetterQueue{
		items:      make([]*DeadLetterItem, 0),
		maxRetries: maxRetries,
		redis:      redisClient,
		logger:     log,
	}
}

// Add records a failed request. Re-adding the same request id bumps its
// retry count and moves it to the back.
func (dlq *DeadLetterQueue) Add(ctx context.Context, request *workflow.ExecutionRequest, cause error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	for i, existing := range dlq.items {
		if existing.Request.ID == request.ID {
			existing.RetryCount++
			now := time.Now()
			existing.LastRetryAt = &now
			existing.Error = cause.Error()
			existing.CanRetry = existing.RetryCount < dlq.maxRetries

			dlq.items = append(dlq.items[:i], dlq.items[i+1:]...)
			dlq.items = append(dlq.items, existing)
			dlq.persistItem(ctx, existing)
			return
		}
	}

	item := &DeadLetterItem{
		Request:  request,
		Error:    cause.Error(),
		FailedAt: time.Now(),
		CanRetry: true,
	}
	dlq.items = append(dlq.items, item)
	dlq.persistItem(ctx, item)

	dlq.logger.Warn("job moved to dead letter queue",
		"requestId", request.ID,
		"workflowId", request.WorkflowID,
		"error", cause.Error())
}

// Retryable returns items still eligible for a manual replay.
func (dlq *DeadLetterQueue) Retryable() []*DeadLetterItem {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	var retryable []*DeadLetterItem
	for _, item := range dlq.items {
		if item.CanRetry {
			retryable = append(retryable, item)
		}
	}
	return retryable
}

func (dlq *DeadLetterQueue) Remove(requestID string) bool {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	for i, item := range dlq.items {
		if item.Request.ID == requestID {
			dlq.items = append(dlq.items[:i], dlq.items[i+1:]...)
			dlq.removePersistedItem(context.Background(), requestID)
			return true
		}
	}
	return false
}

func (dlq *DeadLetterQueue) Size() int {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()
	return len(dlq.items)
}

func (dlq *DeadLetterQueue) All() []*DeadLetterItem {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	items := make([]*DeadLetterItem, len(dlq.items))
	copy(items, dlq.items)
	return items
}

func (dlq *DeadLetterQueue) persistItem(ctx context.Context, item *DeadLetterItem) {
	if dlq.redis == nil {
		return
	}
	key := fmt.Sprintf("flowmesh:dlq:item:%s", item.Request.ID)
	data, err := json.Marshal(item)
	if err != nil {
		dlq.logger.Error("failed to marshal dead letter item", "error", err)
		return
	}
	if err := dlq.redis.Set(ctx, key, data, 7*24*time.Hour).Err(); err != nil {
		dlq.logger.Error("failed to persist dead letter item", "error", err)
	}
}

func (dlq *DeadLetterQueue) removePersistedItem(ctx context.Context, requestID string) {
	if dlq.redis == nil {
		return
	}
	key := fmt.Sprintf("flowmesh:dlq:item:%s", requestID)
	if err := dlq.redis.Del(ctx, key).Err(); err != nil {
		dlq.logger.Error("failed to remove persisted dead letter item", "error", err)
	}
}

// RestoreFromRedis reloads persisted dead letter items after a restart.
func (dlq *DeadLetterQueue) RestoreFromRedis(ctx context.Context) error {
	if dlq.redis == nil {
		return nil
	}

	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	iter := dlq.redis.Scan(ctx, 0, "flowmesh:dlq:item:*", 0).Iterator()
	restored := 0
	for iter.Next(ctx) {
		data, err := dlq.redis.Get(ctx, iter.Val()).Result()
		if err != nil {
			dlq.logger.Error("failed to load dead letter item", "key", iter.Val(), "error", err)
			continue
		}
		var item DeadLetterItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			dlq.logger.Error("failed to decode dead letter item", "key", iter.Val(), "error", err)
			continue
		}
		dlq.items = append(dlq.items, &item)
		restored++
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan dead letter items: %w", err)
	}

	if restored > 0 {
		dlq.logger.Info("restored dead letter items", "count", restored)
	}
	return nil
}
