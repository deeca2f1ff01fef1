// Package engine enforces a workflow's execution semantics: dependency
// graph construction, scheduling, retry/failure routing, termination and
// cancellation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/workflow-orchestrator/internal/model"
	"github.com/swarmguard/workflow-orchestrator/internal/platform/events"
	"github.com/swarmguard/workflow-orchestrator/internal/state"
)

// Store is the subset of the state store the engine needs.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (model.Workflow, bool)
	UpdateWorkflow(ctx context.Context, wf model.Workflow) error
	AddWorkflow(ctx context.Context, wf model.Workflow) error
	ListWorkflows() []model.Workflow
	InFlightJobs() []state.InFlightJob
}

// Scheduler is the subset of the dispatch scheduler the engine needs.
type Scheduler interface {
	AssignJob(ctx context.Context, jobID string, jobType model.JobType, parameters map[string]interface{}) (string, error)
}

// Engine drives workflow execution. It is safe for concurrent use: mutation
// of a single workflow is serialised by a per-workflow lock, matching the
// model where concurrent completion notifications from different workers
// must each be a linearisable transition on the workflow.
type Engine struct {
	store     Store
	scheduler Scheduler
	bus       *events.Bus
	tracer    trace.Tracer

	graphsMu sync.RWMutex
	graphs   map[string]*Graph

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(store Store, scheduler Scheduler, bus *events.Bus) *Engine {
	return &Engine{
		store:     store,
		scheduler: scheduler,
		bus:       bus,
		tracer:    otel.Tracer("workflow-orchestrator"),
		graphs:    make(map[string]*Graph),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockWorkflow(id string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) graphFor(id string) *Graph {
	e.graphsMu.RLock()
	defer e.graphsMu.RUnlock()
	return e.graphs[id]
}

func (e *Engine) setGraph(id string, g *Graph) {
	e.graphsMu.Lock()
	defer e.graphsMu.Unlock()
	e.graphs[id] = g
}

func (e *Engine) dropGraph(id string) {
	e.graphsMu.Lock()
	defer e.graphsMu.Unlock()
	delete(e.graphs, id)
}

// CreateWorkflow validates the job graph and, if sound, stores the workflow
// in status pending. Definition errors (invalid reference, cycle, an
// always_run job declaring successors) are surfaced synchronously and the
// workflow is never stored.
func (e *Engine) CreateWorkflow(ctx context.Context, wf model.Workflow) error {
	if err := validateJobFields(wf.Jobs); err != nil {
		return err
	}
	if err := validateAlwaysRun(wf.Jobs); err != nil {
		return err
	}
	if _, err := BuildGraph(wf.Jobs); err != nil {
		return err
	}
	wf.Status = model.WorkflowPending
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	for i := range wf.Jobs {
		wf.Jobs[i].Status = model.JobPending
		if wf.Jobs[i].MaxRetries == 0 {
			wf.Jobs[i].MaxRetries = model.DefaultMaxRetries
		}
		wf.Jobs[i].CreatedAt = now
		wf.Jobs[i].UpdatedAt = now
	}
	return e.store.AddWorkflow(ctx, wf)
}

// CreateAndStart instantiates a fresh workflow from name and jobs, assigning
// new ids, then immediately starts it. It implements trigger.Starter so a
// cron firing goes through the same validation and dispatch path an
// external API call would.
func (e *Engine) CreateAndStart(ctx context.Context, name string, jobs []model.Job) (string, error) {
	wf := model.Workflow{ID: uuid.New().String(), Name: name, Jobs: append([]model.Job(nil), jobs...)}
	for i := range wf.Jobs {
		if wf.Jobs[i].ID == "" {
			wf.Jobs[i].ID = uuid.New().String()
		}
	}
	if err := e.CreateWorkflow(ctx, wf); err != nil {
		return "", fmt.Errorf("create workflow: %w", err)
	}
	if err := e.StartWorkflow(ctx, wf.ID); err != nil {
		return "", fmt.Errorf("start workflow: %w", err)
	}
	return wf.ID, nil
}

var validJobTypes = map[model.JobType]struct{}{
	model.JobValidation:  {},
	model.JobProcessing:  {},
	model.JobIntegration: {},
	model.JobCleanup:     {},
}

// validateJobFields rejects a workflow definition with a missing required
// field, a duplicate job id, or a job type outside the closed set, before
// graph construction is ever attempted.
func validateJobFields(jobs []model.Job) error {
	if len(jobs) == 0 {
		return fmt.Errorf("missing required field: workflow has no jobs")
	}
	seen := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		if j.ID == "" {
			return fmt.Errorf("missing required field: job id")
		}
		if _, dup := seen[j.ID]; dup {
			return fmt.Errorf("duplicate job id: %s", j.ID)
		}
		seen[j.ID] = struct{}{}
		if j.Type == "" {
			return fmt.Errorf("missing required field: job %s has no type", j.ID)
		}
		if _, ok := validJobTypes[j.Type]; !ok {
			return fmt.Errorf("unknown job type: %s (job %s)", j.Type, j.ID)
		}
	}
	return nil
}

func validateAlwaysRun(jobs []model.Job) error {
	for _, j := range jobs {
		if j.AlwaysRun && (len(j.OnSuccess) > 0 || len(j.OnFailure) > 0) {
			return fmt.Errorf("invalid always_run job %s: always_run jobs must not declare successors", j.ID)
		}
	}
	return nil
}

// StartWorkflow builds and caches the dependency graph and dispatches every
// entry job in definition order — always_run jobs are excluded from the
// entry set regardless of whether anything references them; they are only
// ever dispatched by the terminal always-run pass. Precondition: workflow
// status is pending.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string) error {
	unlock := e.lockWorkflow(workflowID)
	defer unlock()

	ctx, span := e.tracer.Start(ctx, "engine.start_workflow", trace.WithAttributes(attribute.String("workflow_id", workflowID)))
	defer span.End()

	wf, ok := e.store.GetWorkflow(ctx, workflowID)
	if !ok {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	if wf.Status != model.WorkflowPending {
		return fmt.Errorf("workflow %s is not pending", workflowID)
	}

	graph, err := BuildGraph(wf.Jobs)
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}
	e.setGraph(workflowID, graph)

	entries := graph.EntryJobs()
	if len(entries) == 0 {
		wf.Status = model.WorkflowFailed
		e.dropGraph(workflowID)
		if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("persist workflow: %w", err)
		}
		e.publishWorkflowTransition(ctx, workflowID, model.WorkflowPending, model.WorkflowFailed, "no entry jobs")
		return nil
	}

	wf.Status = model.WorkflowRunning
	for _, jobID := range entries {
		e.scheduleJob(ctx, &wf, jobID)
	}
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow: %w", err)
	}
	e.publishWorkflowTransition(ctx, workflowID, model.WorkflowPending, model.WorkflowRunning, "")
	return nil
}

// scheduleJob implements §4.D schedule_job against the in-memory copy wf.
// Callers persist wf once after their batch of mutations completes.
func (e *Engine) scheduleJob(ctx context.Context, wf *model.Workflow, jobID string) {
	job := wf.JobByID(jobID)
	if job == nil {
		return
	}
	if job.Status == model.JobRunning || job.Status == model.JobCompleted {
		return
	}

	job.Status = model.JobRunning
	wf.CurrentJobs = appendUnique(wf.CurrentJobs, jobID)

	workerID, err := e.scheduler.AssignJob(ctx, jobID, job.Type, job.Parameters)
	if err != nil {
		slog.Warn("dispatch error, leaving job pending", "job_id", jobID, "error", err)
		workerID = ""
	}
	if workerID != "" {
		job.WorkerID = workerID
		return
	}

	job.Status = model.JobPending
	wf.CurrentJobs = removeStr(wf.CurrentJobs, jobID)
}

// isSchedulable implements the OR-join scheduling precondition: an entry
// job (no predecessors) is always schedulable; any other job needs at least
// one predecessor that reached it via a completed on_success edge or a
// failed on_failure edge. always_run jobs are never schedulable through this
// path — they are dispatched exclusively by runAlwaysRunPass during
// termination, explicit workflow failure, or cancellation.
func (e *Engine) isSchedulable(wf *model.Workflow, graph *Graph, jobID string) bool {
	job := wf.JobByID(jobID)
	if job == nil {
		return false
	}
	if job.AlwaysRun {
		return false
	}
	if job.Status == model.JobCompleted || job.Status == model.JobFailed || job.Status == model.JobRunning {
		return false
	}
	preds := graph.Predecessors(jobID)
	if len(preds) == 0 {
		return true
	}
	for predID := range preds {
		p := wf.JobByID(predID)
		if p == nil {
			continue
		}
		if p.Status == model.JobCompleted && containsStr(p.OnSuccess, jobID) {
			return true
		}
		if p.Status == model.JobFailed && containsStr(p.OnFailure, jobID) {
			return true
		}
	}
	return false
}

// HandleJobCompletion implements §4.D completion handling.
func (e *Engine) HandleJobCompletion(ctx context.Context, workflowID, jobID string, result map[string]interface{}) error {
	unlock := e.lockWorkflow(workflowID)
	defer unlock()

	ctx, span := e.tracer.Start(ctx, "engine.handle_job_completion",
		trace.WithAttributes(attribute.String("workflow_id", workflowID), attribute.String("job_id", jobID)))
	defer span.End()

	wf, ok := e.store.GetWorkflow(ctx, workflowID)
	if !ok {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	job := wf.JobByID(jobID)
	if job == nil {
		return fmt.Errorf("job %s not found in workflow %s", jobID, workflowID)
	}
	if isJobTerminal(job.Status) {
		return nil // R1: duplicate/late delivery against an already-terminal job is a no-op
	}
	prevStatus := wf.Status

	job.Status = model.JobCompleted
	job.Result = result
	wf.CurrentJobs = removeStr(wf.CurrentJobs, jobID)
	wf.CompletedJobs = appendUnique(wf.CompletedJobs, jobID)

	if graph := e.graphFor(workflowID); graph != nil {
		for _, succID := range job.OnSuccess {
			if e.isSchedulable(&wf, graph, succID) {
				e.scheduleJob(ctx, &wf, succID)
			}
		}
		e.evaluateTermination(ctx, &wf, graph)
	}

	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow: %w", err)
	}
	e.publishJobTransition(ctx, workflowID, jobID, model.JobCompleted, "")
	e.publishWorkflowTransition(ctx, workflowID, prevStatus, wf.Status, "")
	return nil
}

// HandleJobFailure implements §4.D failure handling, including the retry
// policy and the explicit-workflow-failure path for a job with no
// on_failure successors.
func (e *Engine) HandleJobFailure(ctx context.Context, workflowID, jobID string, cause error) error {
	unlock := e.lockWorkflow(workflowID)
	defer unlock()

	ctx, span := e.tracer.Start(ctx, "engine.handle_job_failure",
		trace.WithAttributes(attribute.String("workflow_id", workflowID), attribute.String("job_id", jobID)))
	defer span.End()

	wf, ok := e.store.GetWorkflow(ctx, workflowID)
	if !ok {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	job := wf.JobByID(jobID)
	if job == nil {
		return fmt.Errorf("job %s not found in workflow %s", jobID, workflowID)
	}
	if isJobTerminal(job.Status) {
		return nil
	}
	prevStatus := wf.Status
	graph := e.graphFor(workflowID)

	if job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.Status = model.JobRetrying
		job.WorkerID = ""
		if graph != nil {
			e.scheduleJob(ctx, &wf, jobID)
		}
	} else {
		job.Status = model.JobFailed
		job.Error = cause.Error()
		wf.CurrentJobs = removeStr(wf.CurrentJobs, jobID)
		wf.FailedJobs = appendUnique(wf.FailedJobs, jobID)

		if graph != nil {
			for _, succID := range job.OnFailure {
				if e.isSchedulable(&wf, graph, succID) {
					e.scheduleJob(ctx, &wf, succID)
				}
			}
			if len(job.OnFailure) == 0 {
				wf.Status = model.WorkflowFailed
				e.runAlwaysRunPass(ctx, &wf, graph)
				e.dropGraph(workflowID)
			} else {
				e.evaluateTermination(ctx, &wf, graph)
			}
		}
	}

	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow: %w", err)
	}
	e.publishJobTransition(ctx, workflowID, jobID, job.Status, job.Error)
	e.publishWorkflowTransition(ctx, workflowID, prevStatus, wf.Status, "")
	return nil
}

// evaluateTermination implements §4.D termination evaluation. It is a no-op
// once the workflow has already reached a terminal status (P3).
func (e *Engine) evaluateTermination(ctx context.Context, wf *model.Workflow, graph *Graph) {
	if isWorkflowTerminal(wf.Status) {
		return
	}
	if len(wf.CurrentJobs) > 0 {
		return
	}
	for _, j := range wf.Jobs {
		if j.AlwaysRun {
			continue
		}
		if e.isSchedulable(wf, graph, j.ID) {
			return
		}
	}

	for i := range wf.Jobs {
		j := &wf.Jobs[i]
		if j.AlwaysRun || j.Status == model.JobCompleted || j.Status == model.JobFailed || j.Status == model.JobRunning {
			continue
		}
		j.Status = model.JobSkipped
	}

	e.runAlwaysRunPass(ctx, wf, graph)
	if len(wf.CurrentJobs) > 0 {
		return // an always_run job is now in flight; re-evaluate on its completion
	}

	if len(wf.FailedJobs) > 0 {
		wf.Status = model.WorkflowFailed
	} else {
		wf.Status = model.WorkflowCompleted
	}
	e.dropGraph(wf.ID)
}

func (e *Engine) runAlwaysRunPass(ctx context.Context, wf *model.Workflow, graph *Graph) {
	for _, j := range wf.Jobs {
		if !j.AlwaysRun {
			continue
		}
		if j.Status == model.JobCompleted || j.Status == model.JobRunning {
			continue
		}
		e.scheduleJob(ctx, wf, j.ID)
	}
}

// CancelWorkflow implements §4.D cancellation: only permitted from pending
// or running. Running jobs fail immediately with no retry and no successor
// scheduling; the always-run pass still runs for cleanup.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	unlock := e.lockWorkflow(workflowID)
	defer unlock()

	ctx, span := e.tracer.Start(ctx, "engine.cancel_workflow", trace.WithAttributes(attribute.String("workflow_id", workflowID)))
	defer span.End()

	wf, ok := e.store.GetWorkflow(ctx, workflowID)
	if !ok {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	if wf.Status != model.WorkflowPending && wf.Status != model.WorkflowRunning {
		return fmt.Errorf("workflow %s cannot be cancelled from status %s", workflowID, wf.Status)
	}
	prevStatus := wf.Status
	wf.Status = model.WorkflowCancelled

	running := append([]string(nil), wf.CurrentJobs...)
	for _, jobID := range running {
		job := wf.JobByID(jobID)
		if job == nil || job.Status != model.JobRunning {
			continue
		}
		job.Status = model.JobFailed
		job.Error = "workflow cancelled"
		wf.CurrentJobs = removeStr(wf.CurrentJobs, jobID)
		wf.FailedJobs = appendUnique(wf.FailedJobs, jobID)
	}

	if graph := e.graphFor(workflowID); graph != nil {
		e.runAlwaysRunPass(ctx, &wf, graph)
	}
	e.dropGraph(workflowID)

	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow: %w", err)
	}
	e.publishWorkflowTransition(ctx, workflowID, prevStatus, wf.Status, "cancelled")
	return nil
}

// ReattemptScheduling is invoked by the registry on a worker's `ready`
// message: it retries scheduling every pending/retrying job of a running
// workflow that is now schedulable.
func (e *Engine) ReattemptScheduling(ctx context.Context, workflowID string) error {
	unlock := e.lockWorkflow(workflowID)
	defer unlock()

	wf, ok := e.store.GetWorkflow(ctx, workflowID)
	if !ok {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	if wf.Status != model.WorkflowRunning {
		return nil
	}
	graph := e.graphFor(workflowID)
	if graph == nil {
		return nil
	}

	changed := false
	for _, j := range wf.Jobs {
		if j.Status != model.JobPending && j.Status != model.JobRetrying {
			continue
		}
		if e.isSchedulable(&wf, graph, j.ID) {
			e.scheduleJob(ctx, &wf, j.ID)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	e.evaluateTermination(ctx, &wf, graph)
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow: %w", err)
	}
	return nil
}

// RunningWorkflowIDs lists every workflow currently in status running.
func (e *Engine) RunningWorkflowIDs() []string {
	var ids []string
	for _, wf := range e.store.ListWorkflows() {
		if wf.Status == model.WorkflowRunning {
			ids = append(ids, wf.ID)
		}
	}
	return ids
}

// ReconcileAfterRestart rebuilds the dependency graph for every running
// workflow, then routes every job left running or retrying through the
// failure handler with a synthesised "coordinator restart" error, per §7.
func (e *Engine) ReconcileAfterRestart(ctx context.Context) {
	for _, wf := range e.store.ListWorkflows() {
		if wf.Status != model.WorkflowRunning {
			continue
		}
		graph, err := BuildGraph(wf.Jobs)
		if err != nil {
			slog.Error("rebuild graph failed during restart reconciliation", "workflow_id", wf.ID, "error", err)
			continue
		}
		e.setGraph(wf.ID, graph)
	}

	for _, f := range e.store.InFlightJobs() {
		if err := e.HandleJobFailure(ctx, f.WorkflowID, f.Job.ID, errors.New("coordinator restart")); err != nil {
			slog.Error("restart reconciliation failed", "workflow_id", f.WorkflowID, "job_id", f.Job.ID, "error", err)
		}
	}
}

func (e *Engine) publishWorkflowTransition(ctx context.Context, workflowID string, from, to model.WorkflowStatus, reason string) {
	if e.bus == nil || from == to {
		return
	}
	e.bus.PublishWorkflow(ctx, events.Transition{
		ID: workflowID, FromStatus: string(from), ToStatus: string(to), Reason: reason, At: time.Now().UTC(),
	})
}

func (e *Engine) publishJobTransition(ctx context.Context, workflowID, jobID string, to model.JobStatus, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.PublishJob(ctx, events.Transition{
		ID: jobID, WorkflowID: workflowID, ToStatus: string(to), Reason: reason, At: time.Now().UTC(),
	})
}

func isWorkflowTerminal(s model.WorkflowStatus) bool {
	return s == model.WorkflowCompleted || s == model.WorkflowFailed || s == model.WorkflowCancelled
}

func isJobTerminal(s model.JobStatus) bool {
	return s == model.JobCompleted || s == model.JobFailed || s == model.JobSkipped
}

func containsStr(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func appendUnique(s []string, v string) []string {
	if containsStr(s, v) {
		return s
	}
	return append(s, v)
}

func removeStr(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
