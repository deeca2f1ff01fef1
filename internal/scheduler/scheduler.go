// Package scheduler places ready jobs onto capability-matched idle workers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/workflow-orchestrator/internal/model"
	"github.com/swarmguard/workflow-orchestrator/internal/platform/resilience"
)

// Store is the subset of the state store the scheduler needs.
type Store interface {
	ListWorkers() []model.Worker
	UpdateWorker(ctx context.Context, w model.Worker) error
	AssignJob(ctx context.Context, jobID, workerID string) error
	UnassignJob(ctx context.Context, jobID string) error
}

// Sender delivers a framed message to a worker's live connection. Returning
// an error means the write failed and the assignment must be reversed.
type Sender interface {
	SendJobAssignment(ctx context.Context, workerID string, msg JobAssignment) error
}

// JobAssignment is the coordinator -> worker job_assignment payload.
type JobAssignment struct {
	JobID      string                 `json:"job_id"`
	JobType    model.JobType          `json:"job_type"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Scheduler is the capability-matched dispatcher. Selection policy is a
// deliberate seam: round-robin by worker-id sort order today, swappable
// without touching callers.
type Scheduler struct {
	store  Store
	sender Sender
	tracer trace.Tracer

	// dispatchLimiter smooths bursts of simultaneous dispatch, e.g. a large
	// fan-out workflow whose jobs all become schedulable in the same pass.
	dispatchLimiter *resilience.HybridRateLimiter

	assignAttempts metric.Int64Counter
	assignFailures metric.Int64Counter
}

func New(store Store, sender Sender) *Scheduler {
	meter := otel.GetMeterProvider().Meter("workflow-orchestrator")
	attempts, _ := meter.Int64Counter("orch_scheduler_assign_attempts_total")
	failures, _ := meter.Int64Counter("orch_scheduler_assign_failures_total")
	return &Scheduler{
		store:           store,
		sender:          sender,
		tracer:          otel.Tracer("workflow-orchestrator"),
		dispatchLimiter: resilience.NewHybridRateLimiter(50, 100, 500, 5*time.Millisecond),
		assignAttempts:  attempts,
		assignFailures:  failures,
	}
}

// AssignJob attempts to place jobID of type jobType on an idle,
// capability-matching worker. It returns the chosen worker id, or "" if no
// worker is currently available — the caller is responsible for leaving the
// job in pending/retrying so a later `ready` message can retry it.
func (s *Scheduler) AssignJob(ctx context.Context, jobID string, jobType model.JobType, parameters map[string]interface{}) (string, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.assign_job",
		trace.WithAttributes(attribute.String("job_id", jobID), attribute.String("job_type", string(jobType))))
	defer span.End()
	s.assignAttempts.Add(ctx, 1)

	candidates := s.idleCandidates(jobType)
	if len(candidates) == 0 {
		return "", nil
	}
	if !s.dispatchLimiter.Allow(ctx) {
		slog.Warn("dispatch rate-limited, leaving job pending for a later retry", "job_id", jobID)
		return "", nil
	}

	worker := candidates[0]
	worker.Status = model.WorkerBusy
	worker.CurrentJobID = jobID
	if err := s.store.UpdateWorker(ctx, worker); err != nil {
		return "", fmt.Errorf("mark worker busy: %w", err)
	}
	if err := s.store.AssignJob(ctx, jobID, worker.ID); err != nil {
		s.reverseWorker(ctx, worker.ID)
		return "", fmt.Errorf("record assignment: %w", err)
	}

	msg := JobAssignment{JobID: jobID, JobType: jobType, Parameters: parameters, Timestamp: time.Now().UTC()}
	if err := s.sender.SendJobAssignment(ctx, worker.ID, msg); err != nil {
		s.assignFailures.Add(ctx, 1)
		slog.Warn("job assignment write failed, reversing", "job_id", jobID, "worker_id", worker.ID, "error", err)
		s.reverseAssignment(ctx, jobID, worker.ID)
		return "", nil
	}

	return worker.ID, nil
}

func (s *Scheduler) idleCandidates(jobType model.JobType) []model.Worker {
	workers := s.store.ListWorkers()
	out := make([]model.Worker, 0, len(workers))
	for _, w := range workers {
		if w.Status == model.WorkerIdle && w.HasCapability(jobType) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// reverseWorker undoes the busy mark when the assignment write itself failed.
func (s *Scheduler) reverseWorker(ctx context.Context, workerID string) {
	w, err := s.worker(workerID)
	if err != nil {
		slog.Warn("reverse worker lookup failed", "worker_id", workerID, "error", err)
		return
	}
	w.Status = model.WorkerIdle
	w.CurrentJobID = ""
	if err := s.store.UpdateWorker(ctx, w); err != nil {
		slog.Warn("reverse worker update failed", "worker_id", workerID, "error", err)
	}
}

// reverseAssignment fully undoes steps 4-5 of assign_job: worker back to
// idle, current_job_id cleared, assignment removed.
func (s *Scheduler) reverseAssignment(ctx context.Context, jobID, workerID string) {
	if err := s.store.UnassignJob(ctx, jobID); err != nil {
		slog.Warn("reverse unassign failed", "job_id", jobID, "error", err)
	}
	s.reverseWorker(ctx, workerID)
}

// Close releases the dispatch limiter's background goroutines.
func (s *Scheduler) Close() {
	s.dispatchLimiter.Stop()
}

func (s *Scheduler) worker(id string) (model.Worker, error) {
	for _, w := range s.store.ListWorkers() {
		if w.ID == id {
			return w, nil
		}
	}
	return model.Worker{}, fmt.Errorf("worker %s not found", id)
}
