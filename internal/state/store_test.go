package state

import (
	"context"
	"testing"

	"github.com/swarmguard/workflow-orchestrator/internal/model"
)

func TestAddAndGetWorkflow(t *testing.T) {
	s := New()
	ctx := context.Background()
	wf := model.Workflow{ID: "wf-1", Name: "demo", Jobs: []model.Job{{ID: "j1"}}}
	if err := s.AddWorkflow(ctx, wf); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, ok := s.GetWorkflow(ctx, "wf-1")
	if !ok {
		t.Fatal("expected workflow to be found")
	}
	if got.Name != "demo" || len(got.Jobs) != 1 {
		t.Fatalf("unexpected workflow: %+v", got)
	}
}

func TestGetWorkflowReturnsIndependentCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	wf := model.Workflow{ID: "wf-1", Jobs: []model.Job{{ID: "j1", Status: model.JobPending}}}
	if err := s.AddWorkflow(ctx, wf); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, _ := s.GetWorkflow(ctx, "wf-1")
	got.Jobs[0].Status = model.JobCompleted

	again, _ := s.GetWorkflow(ctx, "wf-1")
	if again.Jobs[0].Status != model.JobPending {
		t.Fatalf("expected store-owned copy to be unaffected by caller mutation, got %s", again.Jobs[0].Status)
	}
}

func TestUpdateJobPersistsStructuralFields(t *testing.T) {
	s := New()
	ctx := context.Background()
	wf := model.Workflow{ID: "wf-1", Jobs: []model.Job{{ID: "j1", Status: model.JobPending}}}
	if err := s.AddWorkflow(ctx, wf); err != nil {
		t.Fatalf("add: %v", err)
	}
	job, ok := s.GetJob("wf-1", "j1")
	if !ok {
		t.Fatal("expected job to be found")
	}
	job.Status = model.JobRunning
	job.WorkerID = "worker-1"
	if err := s.UpdateJob(ctx, "wf-1", job); err != nil {
		t.Fatalf("update job: %v", err)
	}

	got, _ := s.GetJob("wf-1", "j1")
	if got.Status != model.JobRunning || got.WorkerID != "worker-1" {
		t.Fatalf("unexpected job after update: %+v", got)
	}
	wfAfter, _ := s.GetWorkflow(ctx, "wf-1")
	if wfAfter.Jobs[0].Status != model.JobRunning {
		t.Fatalf("expected owning workflow to reflect job update, got %+v", wfAfter.Jobs[0])
	}
}

func TestFindWorkflowByJobID(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.AddWorkflow(ctx, model.Workflow{ID: "wf-1", Jobs: []model.Job{{ID: "j1"}}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	id, ok := s.FindWorkflowByJobID("j1")
	if !ok || id != "wf-1" {
		t.Fatalf("expected wf-1, got %q ok=%v", id, ok)
	}
	if _, ok := s.FindWorkflowByJobID("ghost"); ok {
		t.Fatal("expected ghost job to not be found")
	}
}

func TestAssignmentLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.AssignJob(ctx, "job-1", "worker-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	workerID, ok := s.GetJobWorker("job-1")
	if !ok || workerID != "worker-1" {
		t.Fatalf("expected worker-1, got %q ok=%v", workerID, ok)
	}
	jobs := s.GetWorkerJobs("worker-1")
	if len(jobs) != 1 || jobs[0] != "job-1" {
		t.Fatalf("expected [job-1], got %v", jobs)
	}
	if err := s.UnassignJob(ctx, "job-1"); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if _, ok := s.GetJobWorker("job-1"); ok {
		t.Fatal("expected assignment to be gone after unassign")
	}
}

func TestConnectionLifecycle(t *testing.T) {
	s := New()
	s.RecordConnection("worker-1", "fake-conn")
	conn, ok := s.GetConnection("worker-1")
	if !ok || conn != "fake-conn" {
		t.Fatalf("expected fake-conn, got %v ok=%v", conn, ok)
	}
	s.DropConnection("worker-1")
	if _, ok := s.GetConnection("worker-1"); ok {
		t.Fatal("expected connection to be gone after drop")
	}
}

type fakeDurable struct {
	workflows map[string]model.Workflow
	workers   map[string]model.Worker
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{workflows: make(map[string]model.Workflow), workers: make(map[string]model.Worker)}
}

func (f *fakeDurable) PutWorkflow(ctx context.Context, wf model.Workflow) error {
	f.workflows[wf.ID] = wf
	return nil
}
func (f *fakeDurable) DeleteWorkflow(ctx context.Context, id string) error {
	delete(f.workflows, id)
	return nil
}
func (f *fakeDurable) PutJob(ctx context.Context, workflowID string, j model.Job) error { return nil }
func (f *fakeDurable) DeleteJob(ctx context.Context, workflowID, jobID string) error    { return nil }
func (f *fakeDurable) PutWorker(ctx context.Context, w model.Worker) error {
	f.workers[w.ID] = w
	return nil
}
func (f *fakeDurable) DeleteWorker(ctx context.Context, id string) error {
	delete(f.workers, id)
	return nil
}
func (f *fakeDurable) PutAssignment(ctx context.Context, a model.Assignment) error { return nil }
func (f *fakeDurable) DeleteAssignment(ctx context.Context, jobID string) error    { return nil }

func (f *fakeDurable) LoadAll(ctx context.Context) ([]model.Workflow, []model.Worker, []model.Assignment, error) {
	var wfs []model.Workflow
	for _, wf := range f.workflows {
		wfs = append(wfs, wf)
	}
	var ws []model.Worker
	for _, w := range f.workers {
		ws = append(ws, w)
	}
	return wfs, ws, nil, nil
}
func (f *fakeDurable) Close() error { return nil }

func TestRebuildFromDurableMarksWorkersOffline(t *testing.T) {
	durable := newFakeDurable()
	durable.workflows["wf-1"] = model.Workflow{ID: "wf-1", Status: model.WorkflowRunning}
	durable.workers["w-1"] = model.Worker{ID: "w-1", Status: model.WorkerIdle}

	s := New().WithDurable(durable)
	if err := s.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	wf, ok := s.GetWorkflow(context.Background(), "wf-1")
	if !ok || wf.Status != model.WorkflowRunning {
		t.Fatalf("expected rebuilt running workflow, got %+v ok=%v", wf, ok)
	}
	w, ok := s.GetWorker("w-1")
	if !ok || w.Status != model.WorkerOffline {
		t.Fatalf("expected rebuilt worker forced offline, got %+v ok=%v", w, ok)
	}
}

func TestInFlightJobsScansAllWorkflows(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.AddWorkflow(ctx, model.Workflow{ID: "wf-1", Jobs: []model.Job{
		{ID: "j1", Status: model.JobRunning},
		{ID: "j2", Status: model.JobCompleted},
	}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddWorkflow(ctx, model.Workflow{ID: "wf-2", Jobs: []model.Job{
		{ID: "j3", Status: model.JobRetrying},
	}}); err != nil {
		t.Fatalf("add: %v", err)
	}

	inFlight := s.InFlightJobs()
	if len(inFlight) != 2 {
		t.Fatalf("expected 2 in-flight jobs, got %d: %+v", len(inFlight), inFlight)
	}
}
