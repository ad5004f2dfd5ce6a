package state

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh-go/internal/domain/workflow"
	"github.com/flowmesh-go/pkg/events"
	"github.com/flowmesh-go/pkg/logger"
	"github.com/flowmesh-go/pkg/metrics"
)

// Config tunes the store's snapshot behavior.
type Config struct {
	SnapshotInterval time.Duration
	MaxSnapshots     int
	Compress         bool
	SnapshotTTL      time.Duration
}

// DefaultConfig returns the settings used when the caller passes a zero Config.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval: 30 * time.Second,
		MaxSnapshots:     10,
		Compress:         true,
		SnapshotTTL:      24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = defaults.SnapshotInterval
	}
	if c.MaxSnapshots <= 0 {
		c.MaxSnapshots = defaults.MaxSnapshots
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = defaults.SnapshotTTL
	}
	return c
}

// ExecutionUpdate is a partial run-level update. Nil fields are left as is.
type ExecutionUpdate struct {
	Status      *workflow.ExecutionStatus
	Error       *string
	Output      map[string]interface{}
	CompletedAt *time.Time
	Duration    *time.Duration
	CurrentNode *string
	Progress    *workflow.Progress
}

// NodeUpdate is a partial node-level update. Nil fields are left as is.
type NodeUpdate struct {
	Status      *workflow.NodeExecutionStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	InputData   map[string]interface{}
	OutputData  map[string]interface{}
	Error       *string
	Attempts    *int
	MaxAttempts *int
	RetryCount  *int
	SkipReason  *string
}

// QueryFilter narrows QueryStates results. Zero fields match everything.
type QueryFilter struct {
	WorkflowID     string
	OrganizationID string
	Status         workflow.ExecutionStatus
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

type trackedExecution struct {
	mu            sync.Mutex
	state         *workflow.WorkflowState
	snapshots     []*workflow.StateSnapshot
	stopSnapshots chan struct{}
}

// Store tracks live execution state, journals snapshots through a Backend,
// and answers state queries. All mutation goes through its methods so the
// engine, queue workers, and API readers never race on the state record.
type Store struct {
	backend Backend
	bus     events.EventBus
	config  Config
	logger  logger.Logger

	mu         sync.RWMutex
	executions map[string]*trackedExecution
}

func NewStore(backend Backend, bus events.EventBus, config Config, log logger.Logger) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Store{
		backend:    backend,
		bus:        bus,
		config:     config.withDefaults(),
		logger:     log,
		executions: make(map[string]*trackedExecution),
	}
}

// InitializeExecution registers a run and starts its auto-snapshot timer.
// An id whose previous run reached a terminal status may be initialized
// again; this is how a re-enqueued job starts its next attempt. A live
// run is never replaced.
func (s *Store) InitializeExecution(ctx context.Context, state *workflow.WorkflowState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("execution state requires an id")
	}

	s.mu.Lock()
	if existing, exists := s.executions[state.ID]; exists {
		existing.mu.Lock()
		terminal := existing.state.Status.Terminal()
		existing.mu.Unlock()
		if !terminal {
			s.mu.Unlock()
			return fmt.Errorf("execution %s already initialized", state.ID)
		}
	}
	tracked := &trackedExecution{
		state:         state,
		stopSnapshots: make(chan struct{}),
	}
	s.executions[state.ID] = tracked
	s.mu.Unlock()

	go s.snapshotLoop(state.ID, tracked.stopSnapshots)

	if _, err := s.CreateSnapshot(ctx, state.ID, workflow.CheckpointAuto); err != nil {
		s.logger.Warn("initial snapshot failed", "executionId", state.ID, "error", err)
	}

	s.logger.Debug("execution state initialized",
		"executionId", state.ID,
		"workflowId", state.WorkflowID,
		"totalNodes", state.Progress.TotalNodes)
	return nil
}

// UpdateExecutionState merges a partial update into the run record. It
// returns false when the execution id is unknown. A transition into a
// terminal status stops the snapshot timer and takes a final snapshot.
func (s *Store) UpdateExecutionState(ctx context.Context, executionID string, update ExecutionUpdate) bool {
	tracked := s.tracked(executionID)
	if tracked == nil {
		return false
	}

	var becameTerminal bool
	var finalStatus workflow.ExecutionStatus

	tracked.mu.Lock()
	state := tracked.state
	wasTerminal := state.Status.Terminal()

	if update.Status != nil {
		state.Status = *update.Status
	}
	if update.Error != nil {
		state.Error = *update.Error
	}
	if update.Output != nil {
		state.Output = update.Output
	}
	if update.CompletedAt != nil {
		state.CompletedAt = update.CompletedAt
	}
	if update.Duration != nil {
		state.Duration = *update.Duration
	}
	if update.CurrentNode != nil {
		state.CurrentNode = *update.CurrentNode
	}
	if update.Progress != nil {
		state.Progress = *update.Progress
	}

	if !wasTerminal && state.Status.Terminal() {
		becameTerminal = true
		finalStatus = state.Status
		if state.CompletedAt == nil {
			now := time.Now()
			state.CompletedAt = &now
		}
		if state.Duration == 0 {
			state.Duration = state.CompletedAt.Sub(state.StartedAt)
		}
	}
	tracked.mu.Unlock()

	if becameTerminal {
		s.stopSnapshotLoop(tracked)

		checkpoint := workflow.CheckpointCompletion
		if finalStatus != workflow.ExecutionCompleted {
			checkpoint = workflow.CheckpointError
		}
		if _, err := s.CreateSnapshot(ctx, executionID, checkpoint); err != nil {
			s.logger.Warn("final snapshot failed", "executionId", executionID, "error", err)
		}
	}
	return true
}

// UpdateNodeState merges a partial update into one node's record and keeps
// the derived run fields consistent. Completion is idempotent: a node id is
// appended to the executed list at most once. Returns false when either the
// execution or the node is unknown.
func (s *Store) UpdateNodeState(ctx context.Context, executionID, nodeID string, update NodeUpdate) bool {
	tracked := s.tracked(executionID)
	if tracked == nil {
		return false
	}

	tracked.mu.Lock()
	defer tracked.mu.Unlock()

	state := tracked.state
	node, ok := state.NodeExecutions[nodeID]
	if !ok {
		return false
	}

	if update.Status != nil {
		node.Status = *update.Status
	}
	if update.StartedAt != nil {
		node.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		node.CompletedAt = update.CompletedAt
	}
	if update.InputData != nil {
		node.InputData = update.InputData
	}
	if update.OutputData != nil {
		node.OutputData = update.OutputData
	}
	if update.Error != nil {
		node.Error = *update.Error
	}
	if update.Attempts != nil {
		node.Attempts = *update.Attempts
	}
	if update.MaxAttempts != nil {
		node.MaxAttempts = *update.MaxAttempts
	}
	if update.RetryCount != nil {
		node.RetryCount = *update.RetryCount
	}
	if update.SkipReason != nil {
		node.SkipReason = *update.SkipReason
	}

	switch node.Status {
	case workflow.NodeExecutionRunning:
		state.CurrentNode = nodeID
	case workflow.NodeExecutionCompleted:
		if !containsString(state.ExecutedNodes, nodeID) {
			state.ExecutedNodes = append(state.ExecutedNodes, nodeID)
		}
		if state.CurrentNode == nodeID {
			state.CurrentNode = ""
		}
	default:
		if node.Status.Terminal() && state.CurrentNode == nodeID {
			state.CurrentNode = ""
		}
	}

	recomputeProgress(state)
	return true
}

// GetExecutionState returns a deep copy of the run record.
func (s *Store) GetExecutionState(executionID string) (*workflow.WorkflowState, bool) {
	tracked := s.tracked(executionID)
	if tracked == nil {
		return nil, false
	}

	tracked.mu.Lock()
	defer tracked.mu.Unlock()
	return copyState(tracked.state), true
}

// CreateSnapshot serializes the current state into a new snapshot, persists
// it through the backend, and evicts the oldest snapshot beyond the cap.
func (s *Store) CreateSnapshot(ctx context.Context, executionID string, checkpoint workflow.CheckpointType) (*workflow.StateSnapshot, error) {
	tracked := s.tracked(executionID)
	if tracked == nil {
		return nil, fmt.Errorf("execution %s not found", executionID)
	}

	tracked.mu.Lock()
	data, err := json.Marshal(tracked.state)
	if err != nil {
		tracked.mu.Unlock()
		return nil, fmt.Errorf("failed to serialize state: %w", err)
	}

	compressed := false
	if s.config.Compress {
		if packed, err := gzipBytes(data); err == nil && len(packed) < len(data) {
			data = packed
			compressed = true
		}
	}

	snapshot := &workflow.StateSnapshot{
		ID:             uuid.New().String(),
		ExecutionID:    executionID,
		Timestamp:      time.Now(),
		State:          data,
		CheckpointType: checkpoint,
		Size:           len(data),
		Compressed:     compressed,
	}

	tracked.snapshots = append(tracked.snapshots, snapshot)
	var evicted *workflow.StateSnapshot
	if len(tracked.snapshots) > s.config.MaxSnapshots {
		evicted = tracked.snapshots[0]
		tracked.snapshots = tracked.snapshots[1:]
	}
	tracked.mu.Unlock()

	if err := s.persistSnapshot(ctx, snapshot); err != nil {
		s.logger.Warn("snapshot persistence failed",
			"executionId", executionID, "snapshotId", snapshot.ID, "error", err)
	}
	if evicted != nil {
		if err := s.backend.Delete(ctx, snapshotKey(evicted.ID)); err != nil {
			s.logger.Debug("evicted snapshot cleanup failed", "snapshotId", evicted.ID, "error", err)
		}
	}

	metrics.RecordSnapshot(string(checkpoint), snapshot.Size)
	s.publish(ctx, events.NewEventBuilder(events.SnapshotCreated).
		WithAggregateID(executionID).
		WithAggregateType("execution").
		WithPayload("snapshotId", snapshot.ID).
		WithPayload("checkpointType", string(checkpoint)).
		WithPayload("size", snapshot.Size).
		Build())

	return snapshot, nil
}

// RestoreFromSnapshot replaces a run's state with the snapshot's contents.
// It looks in the retained history first, then the backend; a restored run
// that is not terminal gets its snapshot timer back.
func (s *Store) RestoreFromSnapshot(ctx context.Context, snapshotID string) (*workflow.WorkflowState, error) {
	snapshot := s.findSnapshot(snapshotID)
	if snapshot == nil {
		loaded, err := s.loadSnapshot(ctx, snapshotID)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s not found: %w", snapshotID, err)
		}
		snapshot = loaded
	}

	data := snapshot.State
	if snapshot.Compressed {
		unpacked, err := gunzipBytes(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress snapshot %s: %w", snapshotID, err)
		}
		data = unpacked
	}

	state := &workflow.WorkflowState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", snapshotID, err)
	}

	s.mu.Lock()
	tracked, exists := s.executions[state.ID]
	if !exists {
		tracked = &trackedExecution{}
		s.executions[state.ID] = tracked
	}
	s.mu.Unlock()

	tracked.mu.Lock()
	tracked.state = state
	needsTimer := !state.Status.Terminal() && tracked.stopSnapshots == nil
	if needsTimer {
		tracked.stopSnapshots = make(chan struct{})
	}
	stop := tracked.stopSnapshots
	tracked.mu.Unlock()

	if needsTimer {
		go s.snapshotLoop(state.ID, stop)
	}

	s.publish(ctx, events.NewEventBuilder(events.SnapshotRestored).
		WithAggregateID(state.ID).
		WithAggregateType("execution").
		WithPayload("snapshotId", snapshotID).
		Build())

	s.logger.Info("execution restored from snapshot",
		"executionId", state.ID, "snapshotId", snapshotID, "status", string(state.Status))
	return copyState(state), nil
}

// Snapshots returns the retained snapshot history for a run, oldest first.
func (s *Store) Snapshots(executionID string) []*workflow.StateSnapshot {
	tracked := s.tracked(executionID)
	if tracked == nil {
		return nil
	}

	tracked.mu.Lock()
	defer tracked.mu.Unlock()
	return append([]*workflow.StateSnapshot(nil), tracked.snapshots...)
}

// QueryStates returns matching run records sorted newest first, plus the
// total match count before pagination.
func (s *Store) QueryStates(filter QueryFilter) ([]*workflow.WorkflowState, int) {
	s.mu.RLock()
	tracked := make([]*trackedExecution, 0, len(s.executions))
	for _, t := range s.executions {
		tracked = append(tracked, t)
	}
	s.mu.RUnlock()

	matches := make([]*workflow.WorkflowState, 0, len(tracked))
	for _, t := range tracked {
		t.mu.Lock()
		state := t.state
		if filter.WorkflowID != "" && state.WorkflowID != filter.WorkflowID {
			t.mu.Unlock()
			continue
		}
		if filter.OrganizationID != "" && state.OrganizationID != filter.OrganizationID {
			t.mu.Unlock()
			continue
		}
		if filter.Status != "" && state.Status != filter.Status {
			t.mu.Unlock()
			continue
		}
		if !filter.Since.IsZero() && state.StartedAt.Before(filter.Since) {
			t.mu.Unlock()
			continue
		}
		if !filter.Until.IsZero() && state.StartedAt.After(filter.Until) {
			t.mu.Unlock()
			continue
		}
		matches = append(matches, copyState(state))
		t.mu.Unlock()
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].StartedAt.After(matches[j].StartedAt)
	})

	total := len(matches)
	if filter.Offset > 0 {
		if filter.Offset >= total {
			return []*workflow.WorkflowState{}, total
		}
		matches = matches[filter.Offset:]
	}
	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, total
}

// GetExecutionMetrics derives summary metrics from the node records.
func (s *Store) GetExecutionMetrics(executionID string) (*workflow.ExecutionMetrics, bool) {
	tracked := s.tracked(executionID)
	if tracked == nil {
		return nil, false
	}

	tracked.mu.Lock()
	defer tracked.mu.Unlock()

	state := tracked.state
	m := &workflow.ExecutionMetrics{
		ExecutionID: executionID,
		TotalNodes:  len(state.NodeExecutions),
	}

	var timedNodes int
	var totalNodeTime time.Duration
	for _, node := range state.NodeExecutions {
		switch node.Status {
		case workflow.NodeExecutionCompleted:
			m.CompletedNodes++
		case workflow.NodeExecutionFailed, workflow.NodeExecutionTimeout:
			m.FailedNodes++
		case workflow.NodeExecutionSkipped:
			m.SkippedNodes++
		}
		if node.StartedAt != nil && node.CompletedAt != nil {
			timedNodes++
			totalNodeTime += node.CompletedAt.Sub(*node.StartedAt)
		}
	}
	if timedNodes > 0 {
		m.AverageNodeTime = totalNodeTime / time.Duration(timedNodes)
	}

	if state.CompletedAt != nil {
		m.TotalExecutionTime = state.CompletedAt.Sub(state.StartedAt)
	} else {
		m.TotalExecutionTime = time.Since(state.StartedAt)
	}
	return m, true
}

// Reconcile restarts snapshot timers for non-terminal runs that lost
// theirs, e.g. after a restore on a fresh process. Called once at startup.
func (s *Store) Reconcile(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	resumed := 0
	for id, tracked := range s.executions {
		tracked.mu.Lock()
		if !tracked.state.Status.Terminal() && tracked.stopSnapshots == nil {
			tracked.stopSnapshots = make(chan struct{})
			go s.snapshotLoop(id, tracked.stopSnapshots)
			resumed++
		}
		tracked.mu.Unlock()
	}

	if resumed > 0 {
		s.logger.Info("resumed snapshot timers", "count", resumed)
	}
	return resumed
}

// Close stops every snapshot timer. Tracked state stays queryable.
func (s *Store) Close() {
	s.mu.RLock()
	tracked := make([]*trackedExecution, 0, len(s.executions))
	for _, t := range s.executions {
		tracked = append(tracked, t)
	}
	s.mu.RUnlock()

	for _, t := range tracked {
		s.stopSnapshotLoop(t)
	}
}

func (s *Store) tracked(executionID string) *trackedExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executions[executionID]
}

func (s *Store) snapshotLoop(executionID string, stop chan struct{}) {
	ticker := time.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.CreateSnapshot(context.Background(), executionID, workflow.CheckpointAuto); err != nil {
				s.logger.Warn("auto snapshot failed", "executionId", executionID, "error", err)
			}
		}
	}
}

func (s *Store) stopSnapshotLoop(tracked *trackedExecution) {
	tracked.mu.Lock()
	stop := tracked.stopSnapshots
	tracked.stopSnapshots = nil
	tracked.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

func (s *Store) persistSnapshot(ctx context.Context, snapshot *workflow.StateSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, snapshotKey(snapshot.ID), data, s.config.SnapshotTTL)
}

func (s *Store) loadSnapshot(ctx context.Context, snapshotID string) (*workflow.StateSnapshot, error) {
	data, err := s.backend.Get(ctx, snapshotKey(snapshotID))
	if err != nil {
		return nil, err
	}
	snapshot := &workflow.StateSnapshot{}
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *Store) findSnapshot(snapshotID string) *workflow.StateSnapshot {
	s.mu.RLock()
	tracked := make([]*trackedExecution, 0, len(s.executions))
	for _, t := range s.executions {
		tracked = append(tracked, t)
	}
	s.mu.RUnlock()

	for _, t := range tracked {
		t.mu.Lock()
		for _, snapshot := range t.snapshots {
			if snapshot.ID == snapshotID {
				t.mu.Unlock()
				return snapshot
			}
		}
		t.mu.Unlock()
	}
	return nil
}

func (s *Store) publish(ctx context.Context, event events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Debug("event publish failed", "type", event.Type, "error", err)
	}
}

func snapshotKey(snapshotID string) string {
	return "snapshot:" + snapshotID
}

func recomputeProgress(state *workflow.WorkflowState) {
	completed := 0
	for _, node := range state.NodeExecutions {
		if node.Status.Terminal() {
			completed++
		}
	}
	state.Progress.CompletedNodes = completed
	if state.Progress.TotalNodes > 0 {
		state.Progress.Percentage = float64(completed) / float64(state.Progress.TotalNodes) * 100
	}
}

func copyState(state *workflow.WorkflowState) *workflow.WorkflowState {
	data, err := json.Marshal(state)
	if err != nil {
		return state
	}
	clone := &workflow.WorkflowState{}
	if err := json.Unmarshal(data, clone); err != nil {
		return state
	}
	return clone
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
