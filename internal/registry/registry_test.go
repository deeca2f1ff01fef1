package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/swarmguard/workflow-orchestrator/internal/model"
)

type fakeStore struct {
	workers          map[string]model.Worker
	jobs             map[string]model.Job   // job_id -> job
	jobWorkflow      map[string]string      // job_id -> workflow_id
	assignments      map[string]string      // job_id -> worker_id
	connections      map[string]interface{} // worker_id -> conn
	updatedJobs      []model.Job
	unassignedJobIDs []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workers:     make(map[string]model.Worker),
		jobs:        make(map[string]model.Job),
		jobWorkflow: make(map[string]string),
		assignments: make(map[string]string),
		connections: make(map[string]interface{}),
	}
}

func (f *fakeStore) AddWorker(ctx context.Context, w model.Worker) error {
	f.workers[w.ID] = w
	return nil
}
func (f *fakeStore) UpdateWorker(ctx context.Context, w model.Worker) error {
	f.workers[w.ID] = w
	return nil
}
func (f *fakeStore) RemoveWorker(ctx context.Context, id string) error {
	delete(f.workers, id)
	return nil
}
func (f *fakeStore) GetWorker(id string) (model.Worker, bool) {
	w, ok := f.workers[id]
	return w, ok
}
func (f *fakeStore) ListWorkers() []model.Worker {
	out := make([]model.Worker, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w)
	}
	return out
}
func (f *fakeStore) GetWorkerJobs(workerID string) []string {
	var out []string
	for jobID, w := range f.assignments {
		if w == workerID {
			out = append(out, jobID)
		}
	}
	return out
}
func (f *fakeStore) GetJobWorker(jobID string) (string, bool) {
	w, ok := f.assignments[jobID]
	return w, ok
}
func (f *fakeStore) UnassignJob(ctx context.Context, jobID string) error {
	delete(f.assignments, jobID)
	f.unassignedJobIDs = append(f.unassignedJobIDs, jobID)
	return nil
}
func (f *fakeStore) FindWorkflowByJobID(jobID string) (string, bool) {
	wfID, ok := f.jobWorkflow[jobID]
	return wfID, ok
}
func (f *fakeStore) RecordConnection(workerID string, conn interface{}) {
	f.connections[workerID] = conn
}
func (f *fakeStore) DropConnection(workerID string) {
	delete(f.connections, workerID)
}
func (f *fakeStore) UpdateJob(ctx context.Context, workflowID string, job model.Job) error {
	f.jobs[job.ID] = job
	f.updatedJobs = append(f.updatedJobs, job)
	return nil
}
func (f *fakeStore) GetJob(workflowID, jobID string) (model.Job, bool) {
	j, ok := f.jobs[jobID]
	return j, ok
}

type fakeEngine struct {
	completed      []string
	failed         []string
	lastFailCause  error
	reattempted    []string
	runningWorkIDs []string
}

func (f *fakeEngine) HandleJobCompletion(ctx context.Context, workflowID, jobID string, result map[string]interface{}) error {
	f.completed = append(f.completed, jobID)
	return nil
}
func (f *fakeEngine) HandleJobFailure(ctx context.Context, workflowID, jobID string, cause error) error {
	f.failed = append(f.failed, jobID)
	f.lastFailCause = cause
	return nil
}
func (f *fakeEngine) ReattemptScheduling(ctx context.Context, workflowID string) error {
	f.reattempted = append(f.reattempted, workflowID)
	return nil
}
func (f *fakeEngine) RunningWorkflowIDs() []string { return f.runningWorkIDs }

func TestHandleJobStatusCompletedRoutesToEngine(t *testing.T) {
	store := newFakeStore()
	store.jobWorkflow["job-1"] = "wf-1"
	store.assignments["job-1"] = "w-1"
	eng := &fakeEngine{}
	r := New(store, eng, nil)

	r.handleJobStatus(context.Background(), ClientMessage{JobID: "job-1", Status: model.JobCompleted, Result: map[string]interface{}{"ok": true}})

	if len(eng.completed) != 1 || eng.completed[0] != "job-1" {
		t.Fatalf("expected job-1 routed to HandleJobCompletion, got %v", eng.completed)
	}
	if _, ok := store.assignments["job-1"]; ok {
		t.Fatal("expected assignment cleared on completion")
	}
}

func TestHandleJobStatusFailedRoutesToEngine(t *testing.T) {
	store := newFakeStore()
	store.jobWorkflow["job-1"] = "wf-1"
	store.assignments["job-1"] = "w-1"
	store.jobs["job-1"] = model.Job{ID: "job-1", Status: model.JobFailed}
	eng := &fakeEngine{}
	r := New(store, eng, nil)

	r.handleJobStatus(context.Background(), ClientMessage{JobID: "job-1", Status: model.JobFailed, Error: "boom"})

	if len(eng.failed) != 1 || eng.failed[0] != "job-1" {
		t.Fatalf("expected job-1 routed to HandleJobFailure, got %v", eng.failed)
	}
	if eng.lastFailCause == nil || eng.lastFailCause.Error() != "boom" {
		t.Fatalf("expected cause 'boom', got %v", eng.lastFailCause)
	}
	if _, ok := store.assignments["job-1"]; ok {
		t.Fatal("expected assignment cleared once the job lands terminal-failed")
	}
}

func TestHandleJobStatusFailedRetryingKeepsFreshAssignment(t *testing.T) {
	store := newFakeStore()
	store.jobWorkflow["job-1"] = "wf-1"
	store.assignments["job-1"] = "w-2" // HandleJobFailure's retry path reassigned it
	store.jobs["job-1"] = model.Job{ID: "job-1", Status: model.JobRetrying}
	eng := &fakeEngine{}
	r := New(store, eng, nil)

	r.handleJobStatus(context.Background(), ClientMessage{JobID: "job-1", Status: model.JobFailed, Error: "boom"})

	if w, ok := store.assignments["job-1"]; !ok || w != "w-2" {
		t.Fatalf("expected retry's fresh assignment left intact, got %v (ok=%v)", w, ok)
	}
}

func TestHandleJobStatusOtherUpdatesJobOnly(t *testing.T) {
	store := newFakeStore()
	store.jobWorkflow["job-1"] = "wf-1"
	store.jobs["job-1"] = model.Job{ID: "job-1", Status: model.JobRunning}
	eng := &fakeEngine{}
	r := New(store, eng, nil)

	r.handleJobStatus(context.Background(), ClientMessage{JobID: "job-1", Status: model.JobRetrying})

	if len(eng.completed) != 0 || len(eng.failed) != 0 {
		t.Fatal("expected no engine transition for an intermediate status")
	}
	if len(store.updatedJobs) != 1 || store.updatedJobs[0].Status != model.JobRetrying {
		t.Fatalf("expected job status updated directly, got %v", store.updatedJobs)
	}
}

// TestHandleRegisterUsesConnectionURLIdentity guards against the registry
// minting a fresh id on every `register`: the worker's identity comes from
// the connection URL's final path segment (handleRegister's workerID
// parameter), so a reconnecting worker with the same URL replaces its own
// prior record instead of appearing as a new worker.
func TestHandleRegisterUsesConnectionURLIdentity(t *testing.T) {
	store := newFakeStore()
	eng := &fakeEngine{}
	r := New(store, eng, nil)

	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		r.handleRegister(context.Background(), &safeConn{conn: conn}, ClientMessage{Capabilities: []model.JobType{model.JobProcessing}}, "worker-7")
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var ack ServerMessage
	if err := client.ReadJSON(&ack); err != nil {
		t.Fatalf("read registration ack: %v", err)
	}
	if ack.Type != "registration_ack" || ack.WorkerID != "worker-7" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	w, ok := store.GetWorker("worker-7")
	if !ok {
		t.Fatal("expected worker-7 registered")
	}
	if w.Status != model.WorkerIdle {
		t.Fatalf("expected idle status, got %s", w.Status)
	}
	if len(store.workers) != 1 {
		t.Fatalf("expected exactly one worker record, got %d", len(store.workers))
	}
}

func TestHandleReadyMarksIdleAndReattemptsRunningWorkflows(t *testing.T) {
	store := newFakeStore()
	store.workers["w-1"] = model.Worker{ID: "w-1", Status: model.WorkerBusy, CurrentJobID: "job-1"}
	eng := &fakeEngine{runningWorkIDs: []string{"wf-1", "wf-2"}}
	r := New(store, eng, nil)

	r.handleReady(context.Background(), "w-1")

	if store.workers["w-1"].Status != model.WorkerIdle || store.workers["w-1"].CurrentJobID != "" {
		t.Fatalf("expected worker marked idle with no current job, got %+v", store.workers["w-1"])
	}
	if len(eng.reattempted) != 2 {
		t.Fatalf("expected reattempt for every running workflow, got %v", eng.reattempted)
	}
}

func TestSweepExpiredWorkersFailsStaleWorker(t *testing.T) {
	store := newFakeStore()
	store.workers["w-1"] = model.Worker{ID: "w-1", LastHeartbeat: time.Now().UTC().Add(-2 * HeartbeatTimeout)}
	store.workers["w-2"] = model.Worker{ID: "w-2", LastHeartbeat: time.Now().UTC()}
	store.assignments["job-1"] = "w-1"
	store.jobWorkflow["job-1"] = "wf-1"
	store.jobs["job-1"] = model.Job{ID: "job-1", WorkerID: "w-1"}
	eng := &fakeEngine{}
	r := New(store, eng, nil)

	r.sweepExpiredWorkers(context.Background())

	if _, ok := store.workers["w-1"]; ok {
		t.Fatal("expected stale worker removed")
	}
	if _, ok := store.workers["w-2"]; !ok {
		t.Fatal("expected fresh worker left alone")
	}
	if len(eng.failed) != 1 || eng.failed[0] != "job-1" {
		t.Fatalf("expected job-1 failed via engine, got %v", eng.failed)
	}
	var failureErr FailureError
	if !errors.As(eng.lastFailCause, &failureErr) {
		t.Fatalf("expected FailureError cause, got %T", eng.lastFailCause)
	}
	if failureErr.Reason != "worker_disconnected" || failureErr.WorkerID != "w-1" {
		t.Fatalf("unexpected failure error: %+v", failureErr)
	}
}
