package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/flowmesh-go/internal/domain/workflow"
	"github.com/flowmesh-go/internal/engine"
	"github.com/flowmesh-go/internal/state"
	"github.com/flowmesh-go/pkg/events"
	"github.com/flowmesh-go/pkg/logger"
	"github.com/flowmesh-go/pkg/metrics"
)

// JobStatus is the lifecycle of one queued execution request.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobRetrying   JobStatus = "retrying"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Job is the tracked record of one execution request in the queue.
type Job struct {
	ID          string                     `json:"id"`
	WorkflowID  string                     `json:"workflowId"`
	Request     *workflow.ExecutionRequest `json:"request"`
	Status      JobStatus                  `json:"status"`
	Attempts    int                        `json:"attempts"`
	MaxAttempts int                        `json:"maxAttempts"`
	RetryDelay  time.Duration              `json:"retryDelay"`
	Progress    float64                    `json:"progress"`
	EnqueuedAt  time.Time                  `json:"enqueuedAt"`
	StartedAt   *time.Time                 `json:"startedAt,omitempty"`
	FinishedAt  *time.Time                 `json:"finishedAt,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

// Runner executes one job's workflow. Satisfied by the engine.
type Runner interface {
	Execute(ctx context.Context, wf *workflow.Workflow, request *workflow.ExecutionRequest) (*workflow.WorkflowState, error)
	Cancel(executionID string) bool
}

// WorkflowResolver loads a workflow definition by id when a worker picks
// up a job. The host application supplies it.
type WorkflowResolver func(ctx context.Context, workflowID string) (*workflow.Workflow, error)

// Config tunes the queue manager.
type Config struct {
	Workers           int
	WorkerConcurrency int
	MaxQueueSize      int
	DefaultRetries    int
	DefaultRetryDelay time.Duration
	DispatchRate      float64
	PersistJobs       bool
	EnableDeadLetter  bool
	MaxDLQRetries     int
}

func DefaultManagerConfig() Config {
	return Config{
		Workers:           2,
		WorkerConcurrency: 2,
		MaxQueueSize:      1000,
		DefaultRetries:    0,
		DefaultRetryDelay: time.Second,
		DispatchRate:      100,
		MaxDLQRetries:     3,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultManagerConfig()
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = defaults.WorkerConcurrency
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaults.MaxQueueSize
	}
	if c.DefaultRetryDelay <= 0 {
		c.DefaultRetryDelay = defaults.DefaultRetryDelay
	}
	if c.DispatchRate <= 0 {
		c.DispatchRate = defaults.DispatchRate
	}
	if c.MaxDLQRetries <= 0 {
		c.MaxDLQRetries = defaults.MaxDLQRetries
	}
	return c
}

// Manager accepts execution requests, feeds them to a bounded pool of
// workers, retries failed jobs with exponential backoff, and exposes
// job-status and administrative operations.
type Manager struct {
	config   Config
	runner   Runner
	resolver WorkflowResolver
	store    *state.Store
	redis    *redis.Client
	bus      events.EventBus
	logger   logger.Logger
	limiter  *rate.Limiter

	highQueue   *PriorityQueue
	normalQueue *PriorityQueue
	lowQueue    *PriorityQueue
	deadLetter  *DeadLetterQueue

	mu   sync.RWMutex
	jobs map[string]*Job

	completed  atomic.Int64
	failed     atomic.Int64
	processing atomic.Int64

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

func NewManager(config Config, runner Runner, resolver WorkflowResolver, store *state.Store, redisClient *redis.Client, bus events.EventBus, log logger.Logger) *Manager {
	config = config.withDefaults()
	m := &Manager{
		config:      config,
		runner:      runner,
		resolver:    resolver,
		store:       store,
		redis:       redisClient,
		bus:         bus,
		logger:      log,
		limiter:     rate.NewLimiter(rate.Limit(config.DispatchRate), int(config.DispatchRate)),
		highQueue:   NewPriorityQueue(workflow.PriorityHigh),
		normalQueue: NewPriorityQueue(workflow.PriorityNormal),
		lowQueue:    NewPriorityQueue(workflow.PriorityLow),
		jobs:        make(map[string]*Job),
		stopCh:      make(chan struct{}),
	}
	if config.EnableDeadLetter {
		m.deadLetter = NewDeadLetterQueue(config.MaxDLQRetries, redisClient, log)
	}
	return m
}

// Start restores persisted jobs and launches the worker pool.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("starting queue manager", "workers", m.config.Workers)

	if m.config.PersistJobs {
		if err := m.restoreJobs(ctx); err != nil {
			m.logger.Error("failed to restore persisted jobs", "error", err)
		}
	}
	if m.deadLetter != nil {
		if err := m.deadLetter.RestoreFromRedis(ctx); err != nil {
			m.logger.Error("failed to restore dead letter queue", "error", err)
		}
	}

	m.StartWorkers(ctx, m.config.Workers)
	return nil
}

// Stop stops accepting jobs and waits for in-flight work to finish.
func (m *Manager) Stop(ctx context.Context) error {
	if m.stopped.Swap(true) {
		return nil
	}
	m.logger.Info("stopping queue manager")
	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// AddJob enqueues an execution request and returns its execution id. The
// request's options decide priority, delay, and job-level retries.
func (m *Manager) AddJob(ctx context.Context, request *workflow.ExecutionRequest) (string, error) {
	if m.stopped.Load() {
		return "", fmt.Errorf("queue manager is stopped")
	}
	if m.queueSize() >= m.config.MaxQueueSize {
		return "", fmt.Errorf("queue is full (max size %d)", m.config.MaxQueueSize)
	}

	if request.ID == "" {
		request.ID = uuid.New().String()
	}
	if request.RequestedAt.IsZero() {
		request.RequestedAt = time.Now()
	}

	maxAttempts := m.config.DefaultRetries + 1
	if request.Options.Retries > 0 {
		maxAttempts = request.Options.Retries + 1
	}
	retryDelay := m.config.DefaultRetryDelay
	if request.Options.RetryDelay > 0 {
		retryDelay = request.Options.RetryDelay
	}

	now := time.Now()
	job := &Job{
		ID:          request.ID,
		WorkflowID:  request.WorkflowID,
		Request:     request,
		Status:      JobQueued,
		MaxAttempts: maxAttempts,
		RetryDelay:  retryDelay,
		EnqueuedAt:  now,
	}

	m.mu.Lock()
	if _, exists := m.jobs[job.ID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("job %s already enqueued", job.ID)
	}
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.enqueueItem(&Item{
		Request:    request,
		Priority:   request.Options.Priority,
		EnqueuedAt: now,
		ReadyAt:    now.Add(request.Options.Delay),
	})

	if m.config.PersistJobs {
		m.persistJob(ctx, job)
	}

	m.publish(ctx, events.NewEventBuilder(events.ExecutionQueued).
		WithAggregateID(job.ID).
		WithAggregateType("execution").
		WithPayload("workflowId", job.WorkflowID).
		WithPayload("priority", string(request.Options.Priority)).
		Build())
	m.logger.Info("job enqueued",
		"jobId", job.ID, "workflowId", job.WorkflowID,
		"priority", string(request.Options.Priority), "delay", request.Options.Delay)

	return job.ID, nil
}

// StartWorkers launches n independent pullers. Each worker runs up to
// the configured concurrency limit of jobs in parallel.
func (m *Manager) StartWorkers(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		m.wg.Add(1)
		go m.workerLoop(ctx, i)
	}
}

func (m *Manager) workerLoop(ctx context.Context, workerID int) {
	defer m.wg.Done()

	sem := make(chan struct{}, m.config.WorkerConcurrency)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var jobWG sync.WaitGroup
	defer jobWG.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		item := m.dequeue()
		if item == nil {
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}

		sem <- struct{}{}
		jobWG.Add(1)
		go func(item *Item) {
			defer func() {
				<-sem
				jobWG.Done()
			}()
			m.process(ctx, workerID, item)
		}(item)
	}
}

// dequeue pops the next ready item, high priority first.
func (m *Manager) dequeue() *Item {
	now := time.Now()
	for _, pq := range []*PriorityQueue{m.highQueue, m.normalQueue, m.lowQueue} {
		if item := pq.PopReady(now); item != nil {
			metrics.QueueDepth.WithLabelValues(string(pq.priority)).Set(float64(pq.Size()))
			return item
		}
	}
	return nil
}

// process runs one job through the engine and applies job-level retry on
// retryable failure.
func (m *Manager) process(ctx context.Context, workerID int, item *Item) {
	job := m.job(item.Request.ID)
	if job == nil {
		return
	}

	// The terminal check and the flip to processing share one critical
	// section so a cancellation between dequeue and here is not lost.
	m.mu.Lock()
	if job.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	job.Status = JobProcessing
	job.Attempts++
	now := time.Now()
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	attempts := job.Attempts
	m.mu.Unlock()

	m.processing.Add(1)
	metrics.JobsProcessing.Inc()
	defer func() {
		m.processing.Add(-1)
		metrics.JobsProcessing.Dec()
	}()

	m.logger.Info("worker picked up job",
		"workerId", workerID, "jobId", job.ID, "attempt", attempts, "maxAttempts", job.MaxAttempts)

	wf, err := m.resolver(ctx, job.WorkflowID)
	if err != nil {
		m.finishJob(ctx, job, fmt.Errorf("failed to resolve workflow %s: %w", job.WorkflowID, err), false)
		return
	}

	stopProgress := m.trackProgress(job.ID)
	_, runErr := m.runner.Execute(ctx, wf, job.Request)
	stopProgress()

	if runErr == nil {
		m.finishJob(ctx, job, nil, false)
		return
	}

	if engine.Retryable(runErr) && attempts < job.MaxAttempts {
		m.retryJob(ctx, job, item, runErr)
		return
	}
	m.finishJob(ctx, job, runErr, true)
}

// retryJob re-enqueues a job after exponential backoff: the n-th retry
// waits retryDelay * 2^n.
func (m *Manager) retryJob(ctx context.Context, job *Job, item *Item, cause error) {
	delay := job.RetryDelay * (1 << item.RetryCount)
	now := time.Now()

	m.mu.Lock()
	job.Status = JobRetrying
	job.Error = cause.Error()
	m.mu.Unlock()

	item.RetryCount++
	item.LastRetryAt = &now
	item.ReadyAt = now.Add(delay)
	m.enqueueItem(item)

	metrics.JobRetriesTotal.Inc()
	m.logger.Warn("job failed, retry scheduled",
		"jobId", job.ID, "attempt", job.Attempts, "maxAttempts", job.MaxAttempts,
		"delay", delay, "error", cause)

	if m.config.PersistJobs {
		m.persistJob(ctx, job)
	}
}

func (m *Manager) finishJob(ctx context.Context, job *Job, cause error, exhausted bool) {
	now := time.Now()
	cancelled := false
	var cancellation *engine.CancellationError
	if errors.As(cause, &cancellation) {
		cancelled = true
	}

	m.mu.Lock()
	job.FinishedAt = &now
	switch {
	case cause == nil:
		job.Status = JobCompleted
		job.Progress = 100
	case cancelled:
		job.Status = JobCancelled
		job.Error = cause.Error()
	default:
		job.Status = JobFailed
		job.Error = cause.Error()
	}
	m.mu.Unlock()

	switch {
	case cause == nil:
		m.completed.Add(1)
		m.logger.Info("job completed", "jobId", job.ID, "attempts", job.Attempts)
	case cancelled:
		m.logger.Info("job cancelled during run", "jobId", job.ID, "attempts", job.Attempts)
	default:
		m.failed.Add(1)
		m.logger.Error("job failed permanently",
			"jobId", job.ID, "attempts", job.Attempts, "error", cause)
		if exhausted && m.deadLetter != nil {
			m.deadLetter.Add(ctx, job.Request, cause)
		}
	}

	if m.config.PersistJobs {
		m.persistJob(ctx, job)
	}
}

// trackProgress mirrors the engine's progress into the job record until
// the returned stop function is called.
func (m *Manager) trackProgress(jobID string) func() {
	if m.store == nil {
		return func() {}
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.updateProgress(jobID)
			}
		}
	}()
	return func() {
		close(stop)
		m.updateProgress(jobID)
	}
}

func (m *Manager) updateProgress(jobID string) {
	runState, ok := m.store.GetExecutionState(jobID)
	if !ok {
		return
	}
	m.mu.Lock()
	if job, exists := m.jobs[jobID]; exists && !job.Status.Terminal() {
		job.Progress = runState.Progress.Percentage
	}
	m.mu.Unlock()
}

func (m *Manager) enqueueItem(item *Item) {
	pq := m.queueFor(item.Priority)
	pq.Push(item)
	metrics.QueueDepth.WithLabelValues(string(pq.priority)).Set(float64(pq.Size()))
}

func (m *Manager) queueFor(priority workflow.ExecutionPriority) *PriorityQueue {
	switch priority {
	case workflow.PriorityHigh:
		return m.highQueue
	case workflow.PriorityLow:
		return m.lowQueue
	default:
		return m.normalQueue
	}
}

func (m *Manager) queueSize() int {
	return m.highQueue.Size() + m.normalQueue.Size() + m.lowQueue.Size()
}

func (m *Manager) job(jobID string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[jobID]
}

func (m *Manager) publish(ctx context.Context, event events.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, event); err != nil {
		m.logger.Debug("event publish failed", "type", event.Type, "error", err)
	}
}
