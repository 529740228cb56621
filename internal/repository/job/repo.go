package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aliskhannn/preprocess-pipeline/internal/model"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrBatchNotFound = errors.New("batch not found")
)

// Repository is the in-memory result store. It is the single source of truth
// for job state: the dispatcher inserts jobs, the worker pool moves them
// through their lifecycle, and everything else only reads snapshots.
//
// State transitions are forward-only. Every Mark* method is a compare-and-set
// on the current state and reports whether it applied, so a late result for a
// cancelled job is silently discarded rather than overwriting the terminal state.
type Repository struct {
	mu      sync.RWMutex
	jobs    map[uuid.UUID]*model.Job
	batches map[uuid.UUID]model.Batch
	changed chan struct{} // closed and replaced on every applied write
}

func NewRepository() *Repository {
	return &Repository{
		jobs:    make(map[uuid.UUID]*model.Job),
		batches: make(map[uuid.UUID]model.Batch),
		changed: make(chan struct{}),
	}
}

// notify wakes all WaitUntilTerminal callers. Callers must hold mu.
func (r *Repository) notify() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// SaveJob inserts a job snapshot. The dispatcher may insert jobs directly in
// a terminal state (parameter validation failures never reach the queue).
func (r *Repository) SaveJob(j model.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := cloneJob(j)
	r.jobs[j.ID] = &cp
	r.notify()
}

// SaveBatch records the job ids that belong to one upload.
func (r *Repository) SaveBatch(b model.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.batches[b.ID] = b
}

// GetJob returns a snapshot of the job.
func (r *Repository) GetJob(id uuid.UUID) (model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return model.Job{}, ErrJobNotFound
	}

	return cloneJob(*j), nil
}

// GetBatch returns the batch and snapshots of all its jobs.
func (r *Repository) GetBatch(id uuid.UUID) (model.Batch, []model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.batches[id]
	if !ok {
		return model.Batch{}, nil, ErrBatchNotFound
	}

	jobs := make([]model.Job, 0, len(b.JobIDs))
	for _, jobID := range b.JobIDs {
		if j, ok := r.jobs[jobID]; ok {
			jobs = append(jobs, cloneJob(*j))
		}
	}

	return b, jobs, nil
}

// MarkRunning transitions queued -> running. It reports false when the job is
// gone or no longer queued (e.g. cancelled while waiting for a slot), in which
// case the pool must not execute it.
func (r *Repository) MarkRunning(id uuid.UUID) (model.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.State != model.StateQueued {
		return model.Job{}, false
	}

	j.State = model.StateRunning
	j.StartedAt = time.Now()
	r.notify()

	return cloneJob(*j), true
}

// MarkSucceeded transitions running -> succeeded and records the output ref.
func (r *Repository) MarkSucceeded(id uuid.UUID, outputRef string) (model.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.State != model.StateRunning {
		return model.Job{}, false
	}

	j.State = model.StateSucceeded
	j.OutputRef = outputRef
	j.FinishedAt = time.Now()
	r.notify()

	return cloneJob(*j), true
}

// MarkFailed transitions any non-terminal state -> failed with the given error info.
func (r *Repository) MarkFailed(id uuid.UUID, info model.ErrorInfo) (model.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.State.Terminal() {
		return model.Job{}, false
	}

	j.State = model.StateFailed
	j.Error = &info
	j.FinishedAt = time.Now()
	r.notify()

	return cloneJob(*j), true
}

// MarkCancelled transitions any non-terminal state -> cancelled. Cancelling a
// terminal job is a no-op, which makes the cancel endpoints idempotent.
func (r *Repository) MarkCancelled(id uuid.UUID) (model.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.State.Terminal() {
		return model.Job{}, false
	}

	j.State = model.StateCancelled
	j.FinishedAt = time.Now()
	r.notify()

	return cloneJob(*j), true
}

// WaitUntilTerminal blocks the caller until every listed job is terminal, the
// timeout elapses, or the context is done. It always returns the snapshots
// available at that point; partial results are valid.
func (r *Repository) WaitUntilTerminal(ctx context.Context, ids []uuid.UUID, timeout time.Duration) []model.Job {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		snaps, done, ch := r.snapshot(ids)
		if done {
			return snaps
		}

		select {
		case <-ch:
		case <-timer.C:
			snaps, _, _ = r.snapshot(ids)
			return snaps
		case <-ctx.Done():
			snaps, _, _ = r.snapshot(ids)
			return snaps
		}
	}
}

// snapshot returns the broadcast channel captured under the same lock as the
// snapshots. A write applied between the snapshot and the select would close a
// channel captured any later, and the waiter would park on one that never closes.
func (r *Repository) snapshot(ids []uuid.UUID) ([]model.Job, bool, chan struct{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	done := true
	snaps := make([]model.Job, 0, len(ids))

	for _, id := range ids {
		j, ok := r.jobs[id]
		if !ok {
			continue
		}
		if !j.State.Terminal() {
			done = false
		}
		snaps = append(snaps, cloneJob(*j))
	}

	return snaps, done, r.changed
}

// Sweep drops batches whose jobs all finished before the cutoff and returns
// the removed jobs so the caller can release their artifacts.
func (r *Repository) Sweep(cutoff time.Time) []model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []model.Job

	for batchID, b := range r.batches {
		expired := true
		for _, jobID := range b.JobIDs {
			j, ok := r.jobs[jobID]
			if !ok {
				continue
			}
			if !j.State.Terminal() || j.FinishedAt.After(cutoff) {
				expired = false
				break
			}
		}
		if !expired {
			continue
		}

		for _, jobID := range b.JobIDs {
			if j, ok := r.jobs[jobID]; ok {
				removed = append(removed, cloneJob(*j))
				delete(r.jobs, jobID)
			}
		}
		delete(r.batches, batchID)
	}

	return removed
}

// cloneJob copies the job so callers never share the params map or error
// info with the stored value.
func cloneJob(j model.Job) model.Job {
	if j.Params != nil {
		params := make(map[string]string, len(j.Params))
		for k, v := range j.Params {
			params[k] = v
		}
		j.Params = params
	}
	if j.Error != nil {
		info := *j.Error
		j.Error = &info
	}

	return j
}
