package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/swarmguard/workflow-orchestrator/internal/model"
)

type fakeStore struct {
	workers     map[string]model.Worker
	assignments map[string]string
}

func newFakeStore(workers ...model.Worker) *fakeStore {
	m := make(map[string]model.Worker)
	for _, w := range workers {
		m[w.ID] = w
	}
	return &fakeStore{workers: m, assignments: make(map[string]string)}
}

func (f *fakeStore) ListWorkers() []model.Worker {
	out := make([]model.Worker, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w)
	}
	return out
}

func (f *fakeStore) UpdateWorker(ctx context.Context, w model.Worker) error {
	f.workers[w.ID] = w
	return nil
}

func (f *fakeStore) AssignJob(ctx context.Context, jobID, workerID string) error {
	f.assignments[jobID] = workerID
	return nil
}

func (f *fakeStore) UnassignJob(ctx context.Context, jobID string) error {
	delete(f.assignments, jobID)
	return nil
}

type fakeSender struct {
	fail      bool
	lastJobID string
	lastWorker string
}

func (f *fakeSender) SendJobAssignment(ctx context.Context, workerID string, msg JobAssignment) error {
	if f.fail {
		return errors.New("write failed")
	}
	f.lastJobID = msg.JobID
	f.lastWorker = workerID
	return nil
}

func TestAssignJobPicksLowestIDIdleCandidate(t *testing.T) {
	store := newFakeStore(
		model.Worker{ID: "w2", Status: model.WorkerIdle, Capabilities: []model.JobType{model.JobProcessing}},
		model.Worker{ID: "w1", Status: model.WorkerIdle, Capabilities: []model.JobType{model.JobProcessing}},
		model.Worker{ID: "w3", Status: model.WorkerBusy, Capabilities: []model.JobType{model.JobProcessing}},
	)
	sender := &fakeSender{}
	s := New(store, sender)

	workerID, err := s.AssignJob(context.Background(), "job-1", model.JobProcessing, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if workerID != "w1" {
		t.Fatalf("expected w1, got %q", workerID)
	}
	if store.workers["w1"].Status != model.WorkerBusy {
		t.Fatalf("expected w1 busy, got %v", store.workers["w1"].Status)
	}
	if store.assignments["job-1"] != "w1" {
		t.Fatalf("expected assignment recorded for w1")
	}
}

func TestAssignJobNoCapableWorkerReturnsEmpty(t *testing.T) {
	store := newFakeStore(model.Worker{ID: "w1", Status: model.WorkerIdle, Capabilities: []model.JobType{model.JobCleanup}})
	s := New(store, &fakeSender{})

	workerID, err := s.AssignJob(context.Background(), "job-1", model.JobProcessing, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if workerID != "" {
		t.Fatalf("expected no worker, got %q", workerID)
	}
}

func TestAssignJobReversesOnSendFailure(t *testing.T) {
	store := newFakeStore(model.Worker{ID: "w1", Status: model.WorkerIdle, Capabilities: []model.JobType{model.JobProcessing}})
	s := New(store, &fakeSender{fail: true})

	workerID, err := s.AssignJob(context.Background(), "job-1", model.JobProcessing, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if workerID != "" {
		t.Fatalf("expected empty worker id after reversed assignment, got %q", workerID)
	}
	if store.workers["w1"].Status != model.WorkerIdle {
		t.Fatalf("expected worker reverted to idle, got %v", store.workers["w1"].Status)
	}
	if _, ok := store.assignments["job-1"]; ok {
		t.Fatalf("expected assignment reversed")
	}
}
