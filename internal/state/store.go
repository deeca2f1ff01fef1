// Package state is the single authority for workflows, jobs, workers,
// assignments and live connections. Every mutation serialises with respect
// to other mutations of the same entity type; durable persistence, when
// configured, is applied write-through before a mutation is reported as
// successful, and the cache tier is consulted only on a memory read miss.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/workflow-orchestrator/internal/model"
	"github.com/swarmguard/workflow-orchestrator/internal/platform/resilience"
)

// Durable is the write-through durable tier. Implementations must be safe
// for concurrent use.
type Durable interface {
	PutWorkflow(ctx context.Context, wf model.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
	PutJob(ctx context.Context, workflowID string, j model.Job) error
	DeleteJob(ctx context.Context, workflowID, jobID string) error
	PutWorker(ctx context.Context, w model.Worker) error
	DeleteWorker(ctx context.Context, id string) error
	PutAssignment(ctx context.Context, a model.Assignment) error
	DeleteAssignment(ctx context.Context, jobID string) error

	LoadAll(ctx context.Context) (workflows []model.Workflow, workers []model.Worker, assignments []model.Assignment, err error)
	Close() error
}

// Cache is the best-effort read-through cache tier.
type Cache interface {
	GetWorkflow(ctx context.Context, id string) (model.Workflow, bool)
	SetWorkflow(ctx context.Context, wf model.Workflow)
	DropWorkflow(ctx context.Context, id string)
	Close() error
}

// Connection is whatever the registry uses to write to a worker; the store
// only needs to hold and hand back the reference.
type Connection interface{}

// Store holds the authoritative in-memory state.
type Store struct {
	mu sync.RWMutex

	workflows   map[string]model.Workflow
	workers     map[string]model.Worker
	assignments map[string]model.Assignment // job_id -> assignment
	connections map[string]Connection       // worker_id -> connection

	durable Durable
	cache   Cache
	cb      *resilience.CircuitBreaker
}

// New constructs a memory-only store. Attach persistence with WithDurable
// and WithCache before calling Rebuild.
func New() *Store {
	return &Store{
		workflows:   make(map[string]model.Workflow),
		workers:     make(map[string]model.Worker),
		assignments: make(map[string]model.Assignment),
		connections: make(map[string]Connection),
		cb:          resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2),
	}
}

// WithDurable attaches the durable write-through tier.
func (s *Store) WithDurable(d Durable) *Store {
	s.durable = d
	return s
}

// WithCache attaches the best-effort cache tier.
func (s *Store) WithCache(c Cache) *Store {
	s.cache = c
	return s
}

func (s *Store) persistWorkflow(ctx context.Context, wf model.Workflow) error {
	if s.durable == nil {
		return nil
	}
	return resilience.RetryWithBreaker(ctx, s.cb, 2*time.Second, func(ctx context.Context) error {
		return s.durable.PutWorkflow(ctx, wf)
	})
}

func (s *Store) persistJob(ctx context.Context, workflowID string, j model.Job) error {
	if s.durable == nil {
		return nil
	}
	return resilience.RetryWithBreaker(ctx, s.cb, 2*time.Second, func(ctx context.Context) error {
		return s.durable.PutJob(ctx, workflowID, j)
	})
}

func (s *Store) persistWorker(ctx context.Context, w model.Worker) error {
	if s.durable == nil {
		return nil
	}
	return resilience.RetryWithBreaker(ctx, s.cb, 2*time.Second, func(ctx context.Context) error {
		return s.durable.PutWorker(ctx, w)
	})
}

func (s *Store) persistAssignment(ctx context.Context, a model.Assignment) error {
	if s.durable == nil {
		return nil
	}
	return resilience.RetryWithBreaker(ctx, s.cb, 2*time.Second, func(ctx context.Context) error {
		return s.durable.PutAssignment(ctx, a)
	})
}

// ---- Workflows ----

// GetWorkflow reads memory first; on a miss, with a cache attached, it
// consults the cache and repopulates memory before returning.
func (s *Store) GetWorkflow(ctx context.Context, id string) (model.Workflow, bool) {
	s.mu.RLock()
	wf, ok := s.workflows[id]
	s.mu.RUnlock()
	if ok {
		return wf.Clone(), true
	}
	if s.cache == nil {
		return model.Workflow{}, false
	}
	wf, ok = s.cache.GetWorkflow(ctx, id)
	if !ok {
		return model.Workflow{}, false
	}
	s.mu.Lock()
	s.workflows[id] = wf
	s.mu.Unlock()
	return wf.Clone(), true
}

// AddWorkflow inserts a new workflow. Fails and leaves memory unchanged if
// durable persistence is enabled and the write-through fails.
func (s *Store) AddWorkflow(ctx context.Context, wf model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow: %w", err)
	}
	s.workflows[wf.ID] = wf
	if s.cache != nil {
		s.cache.SetWorkflow(ctx, wf)
	}
	return nil
}

// UpdateWorkflow replaces a workflow wholesale with the same persistence
// semantics as AddWorkflow.
func (s *Store) UpdateWorkflow(ctx context.Context, wf model.Workflow) error {
	return s.AddWorkflow(ctx, wf)
}

func (s *Store) RemoveWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.durable != nil {
		if err := resilience.RetryWithBreaker(ctx, s.cb, 2*time.Second, func(ctx context.Context) error {
			return s.durable.DeleteWorkflow(ctx, id)
		}); err != nil {
			return fmt.Errorf("persist workflow delete: %w", err)
		}
	}
	delete(s.workflows, id)
	if s.cache != nil {
		s.cache.DropWorkflow(ctx, id)
	}
	return nil
}

func (s *Store) ListWorkflows() []model.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---- Jobs (nested inside their owning workflow) ----

func (s *Store) GetJob(workflowID, jobID string) (model.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return model.Job{}, false
	}
	j := wf.JobByID(jobID)
	if j == nil {
		return model.Job{}, false
	}
	return j.Clone(), true
}

// UpdateJob applies a structural update (status/result/error/retry fields)
// to a job already present in its workflow.
func (s *Store) UpdateJob(ctx context.Context, workflowID string, job model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	idx := -1
	for i := range wf.Jobs {
		if wf.Jobs[i].ID == job.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("job %s not found in workflow %s", job.ID, workflowID)
	}
	job.UpdatedAt = time.Now().UTC()
	if err := s.persistJob(ctx, workflowID, job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	wf.Jobs[idx] = job
	wf.UpdatedAt = time.Now().UTC()
	s.workflows[workflowID] = wf
	if err := s.persistWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow: %w", err)
	}
	if s.cache != nil {
		s.cache.SetWorkflow(ctx, wf)
	}
	return nil
}

// FindWorkflowByJobID returns the id of the workflow that owns jobID.
func (s *Store) FindWorkflowByJobID(jobID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, wf := range s.workflows {
		if wf.JobByID(jobID) != nil {
			return wf.ID, true
		}
	}
	return "", false
}

func (s *Store) ListJobs(workflowID string) []model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil
	}
	out := make([]model.Job, len(wf.Jobs))
	for i, j := range wf.Jobs {
		out[i] = j.Clone()
	}
	return out
}

// ---- Workers ----

func (s *Store) GetWorker(id string) (model.Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	return w, ok
}

func (s *Store) AddWorker(ctx context.Context, w model.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistWorker(ctx, w); err != nil {
		return fmt.Errorf("persist worker: %w", err)
	}
	s.workers[w.ID] = w
	return nil
}

func (s *Store) UpdateWorker(ctx context.Context, w model.Worker) error {
	return s.AddWorker(ctx, w)
}

func (s *Store) RemoveWorker(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.durable != nil {
		if err := resilience.RetryWithBreaker(ctx, s.cb, 2*time.Second, func(ctx context.Context) error {
			return s.durable.DeleteWorker(ctx, id)
		}); err != nil {
			return fmt.Errorf("persist worker delete: %w", err)
		}
	}
	delete(s.workers, id)
	delete(s.connections, id)
	return nil
}

func (s *Store) ListWorkers() []model.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---- Assignments ----

func (s *Store) AssignJob(ctx context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := model.Assignment{JobID: jobID, WorkerID: workerID, AssignedAt: time.Now().UTC()}
	if err := s.persistAssignment(ctx, a); err != nil {
		return fmt.Errorf("persist assignment: %w", err)
	}
	s.assignments[jobID] = a
	return nil
}

func (s *Store) UnassignJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.durable != nil {
		if err := resilience.RetryWithBreaker(ctx, s.cb, 2*time.Second, func(ctx context.Context) error {
			return s.durable.DeleteAssignment(ctx, jobID)
		}); err != nil {
			return fmt.Errorf("persist assignment delete: %w", err)
		}
	}
	delete(s.assignments, jobID)
	return nil
}

func (s *Store) GetJobWorker(jobID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[jobID]
	if !ok {
		return "", false
	}
	return a.WorkerID, true
}

func (s *Store) GetWorkerJobs(workerID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []string
	for jobID, a := range s.assignments {
		if a.WorkerID == workerID {
			jobs = append(jobs, jobID)
		}
	}
	sort.Strings(jobs)
	return jobs
}

// ---- Connections ----

func (s *Store) RecordConnection(workerID string, conn interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[workerID] = conn
}

func (s *Store) DropConnection(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, workerID)
}

func (s *Store) GetConnection(workerID string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[workerID]
	return c, ok
}

// Close releases the durable and cache tiers, if attached.
func (s *Store) Close() error {
	var firstErr error
	if s.durable != nil {
		if err := s.durable.Close(); err != nil {
			firstErr = err
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Rebuild loads all workflows, workers and assignments from durable storage
// into memory. It must run before the store accepts traffic. It is a no-op
// if no durable tier is attached.
func (s *Store) Rebuild(ctx context.Context) error {
	if s.durable == nil {
		return nil
	}
	workflows, workers, assignments, err := s.durable.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wf := range workflows {
		s.workflows[wf.ID] = wf
	}
	for _, w := range workers {
		w.Status = model.WorkerOffline
		s.workers[w.ID] = w
	}
	for _, a := range assignments {
		s.assignments[a.JobID] = a
	}
	slog.Info("state rebuilt from durable storage",
		"workflows", len(workflows), "workers", len(workers), "assignments", len(assignments))
	return nil
}
