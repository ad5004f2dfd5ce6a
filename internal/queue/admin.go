package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Stats is a point-in-time summary of the queue manager.
type Stats struct {
	HighPriority   int   `json:"highPriority"`
	NormalPriority int   `json:"normalPriority"`
	LowPriority    int   `json:"lowPriority"`
	TotalQueued    int   `json:"totalQueued"`
	Processing     int64 `json:"processing"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	DeadLettered   int   `json:"deadLettered"`
	TrackedJobs    int   `json:"trackedJobs"`
}

// GetJobStatus returns a copy of the job record, or false for an unknown
// id.
func (m *Manager) GetJobStatus(jobID string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// CancelJob cancels a job. A queued or retrying job is removed from the
// queue immediately; a processing job gets its engine run flagged for
// cooperative cancellation and finishes its current node first. Returns
// false for unknown or already-terminal jobs.
func (m *Manager) CancelJob(ctx context.Context, jobID string) bool {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	status := job.Status
	if status != JobProcessing {
		now := time.Now()
		job.Status = JobCancelled
		job.FinishedAt = &now
	}
	m.mu.Unlock()

	if status == JobProcessing {
		// The engine finalizes the run as cancelled; the worker then
		// records the job failure path with a CancellationError.
		return m.runner.Cancel(jobID)
	}

	removed := m.highQueue.Remove(jobID) || m.normalQueue.Remove(jobID) || m.lowQueue.Remove(jobID)
	if !removed {
		m.logger.Debug("cancelled job had no queued item", "jobId", jobID)
	}
	if m.config.PersistJobs {
		m.persistJob(ctx, job)
	}
	m.logger.Info("job cancelled", "jobId", jobID)
	return true
}

// GetQueueStats reports queue depths and lifetime counters.
func (m *Manager) GetQueueStats() Stats {
	m.mu.RLock()
	tracked := len(m.jobs)
	m.mu.RUnlock()

	stats := Stats{
		HighPriority:   m.highQueue.Size(),
		NormalPriority: m.normalQueue.Size(),
		LowPriority:    m.lowQueue.Size(),
		Processing:     m.processing.Load(),
		Completed:      m.completed.Load(),
		Failed:         m.failed.Load(),
		TrackedJobs:    tracked,
	}
	stats.TotalQueued = stats.HighPriority + stats.NormalPriority + stats.LowPriority
	if m.deadLetter != nil {
		stats.DeadLettered = m.deadLetter.Size()
	}
	return stats
}

// CleanQueue drops terminal job records older than maxAge, then trims the
// remaining terminal records oldest-first down to maxCount. Returns how
// many records were removed.
func (m *Manager) CleanQueue(ctx context.Context, maxAge time.Duration, maxCount int) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var terminal []*Job
	for _, job := range m.jobs {
		if job.Status.Terminal() {
			terminal = append(terminal, job)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return finishedTime(terminal[i]).Before(finishedTime(terminal[j]))
	})

	removed := 0
	keep := make([]*Job, 0, len(terminal))
	for _, job := range terminal {
		if maxAge > 0 && finishedTime(job).Before(cutoff) {
			delete(m.jobs, job.ID)
			removed++
			continue
		}
		keep = append(keep, job)
	}
	if maxCount > 0 && len(keep) > maxCount {
		for _, job := range keep[:len(keep)-maxCount] {
			delete(m.jobs, job.ID)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Info("queue cleaned", "removed", removed)
	}
	return removed
}

func finishedTime(job *Job) time.Time {
	if job.FinishedAt != nil {
		return *job.FinishedAt
	}
	return job.EnqueuedAt
}

// Persistence. Job records survive restarts through Redis so that
// getJobStatus keeps answering for runs that finished before a crash.

func jobKey(jobID string) string {
	return fmt.Sprintf("flowmesh:queue:job:%s", jobID)
}

func (m *Manager) persistJob(ctx context.Context, job *Job) {
	if m.redis == nil {
		return
	}

	m.mu.RLock()
	data, err := json.Marshal(job)
	m.mu.RUnlock()
	if err != nil {
		m.logger.Error("failed to marshal job", "jobId", job.ID, "error", err)
		return
	}

	if err := m.redis.Set(ctx, jobKey(job.ID), data, 24*time.Hour).Err(); err != nil {
		m.logger.Error("failed to persist job", "jobId", job.ID, "error", err)
	}
}

func (m *Manager) restoreJobs(ctx context.Context) error {
	if m.redis == nil {
		return nil
	}

	iter := m.redis.Scan(ctx, 0, "flowmesh:queue:job:*", 0).Iterator()
	restored := 0
	requeued := 0
	for iter.Next(ctx) {
		data, err := m.redis.Get(ctx, iter.Val()).Result()
		if err != nil {
			m.logger.Error("failed to load persisted job", "key", iter.Val(), "error", err)
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			m.logger.Error("failed to decode persisted job", "key", iter.Val(), "error", err)
			continue
		}

		// A job that was mid-flight when the process died goes back to
		// the queue for a fresh attempt.
		if job.Status == JobProcessing || job.Status == JobRetrying {
			job.Status = JobQueued
		}

		m.mu.Lock()
		m.jobs[job.ID] = &job
		m.mu.Unlock()
		restored++

		if job.Status == JobQueued {
			m.enqueueItem(&Item{
				Request:    job.Request,
				Priority:   job.Request.Options.Priority,
				EnqueuedAt: job.EnqueuedAt,
				ReadyAt:    time.Now(),
			})
			requeued++
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan persisted jobs: %w", err)
	}

	m.logger.Info("restored persisted jobs", "restored", restored, "requeued", requeued)
	return nil
}
