package engine

import (
	"strings"
	"testing"

	"github.com/swarmguard/workflow-orchestrator/internal/model"
)

func TestBuildGraphEntryJobs(t *testing.T) {
	jobs := []model.Job{
		{ID: "A", OnSuccess: []string{"C"}},
		{ID: "B", OnSuccess: []string{"C"}},
		{ID: "C"},
	}
	g, err := BuildGraph(jobs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries := g.EntryJobs()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entry jobs, got %v", entries)
	}
	preds := g.Predecessors("C")
	if _, ok := preds["A"]; !ok {
		t.Fatalf("expected A as a predecessor of C")
	}
	if _, ok := preds["B"]; !ok {
		t.Fatalf("expected B as a predecessor of C")
	}
}

func TestBuildGraphExcludesAlwaysRunFromEntries(t *testing.T) {
	jobs := []model.Job{
		{ID: "A", OnSuccess: []string{"B"}},
		{ID: "B"},
		{ID: "cleanup", AlwaysRun: true}, // unreferenced, would otherwise have empty deps
	}
	g, err := BuildGraph(jobs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries := g.EntryJobs()
	if len(entries) != 1 || entries[0] != "A" {
		t.Fatalf("expected only A as entry job, got %v", entries)
	}
}

func TestBuildGraphDetectsCycle(t *testing.T) {
	jobs := []model.Job{
		{ID: "A", OnSuccess: []string{"B"}},
		{ID: "B", OnSuccess: []string{"C"}},
		{ID: "C", OnSuccess: []string{"A"}},
	}
	_, err := BuildGraph(jobs)
	if err == nil || !strings.Contains(err.Error(), "circular dependency") {
		t.Fatalf("expected circular dependency error, got %v", err)
	}
}

func TestBuildGraphRejectsUnknownReference(t *testing.T) {
	jobs := []model.Job{
		{ID: "A", OnSuccess: []string{"ghost"}},
	}
	_, err := BuildGraph(jobs)
	if err == nil || !strings.Contains(err.Error(), "invalid reference") {
		t.Fatalf("expected invalid reference error, got %v", err)
	}
}

func TestBuildGraphSelfLoopIsCycle(t *testing.T) {
	jobs := []model.Job{
		{ID: "A", OnSuccess: []string{"A"}},
	}
	_, err := BuildGraph(jobs)
	if err == nil || !strings.Contains(err.Error(), "circular dependency") {
		t.Fatalf("expected circular dependency error for self-loop, got %v", err)
	}
}

func TestValidateJobFieldsRejectsDuplicateID(t *testing.T) {
	jobs := []model.Job{
		{ID: "A", Type: model.JobProcessing},
		{ID: "A", Type: model.JobProcessing},
	}
	if err := validateJobFields(jobs); err == nil || !strings.Contains(err.Error(), "duplicate job id") {
		t.Fatalf("expected duplicate job id error, got %v", err)
	}
}

func TestValidateJobFieldsRejectsUnknownType(t *testing.T) {
	jobs := []model.Job{{ID: "A", Type: "not-a-real-type"}}
	if err := validateJobFields(jobs); err == nil || !strings.Contains(err.Error(), "unknown job type") {
		t.Fatalf("expected unknown job type error, got %v", err)
	}
}

func TestValidateJobFieldsRejectsMissingID(t *testing.T) {
	jobs := []model.Job{{Type: model.JobProcessing}}
	if err := validateJobFields(jobs); err == nil || !strings.Contains(err.Error(), "missing required field") {
		t.Fatalf("expected missing required field error, got %v", err)
	}
}

func TestValidateAlwaysRunRejectsSuccessors(t *testing.T) {
	jobs := []model.Job{
		{ID: "cleanup", AlwaysRun: true, OnSuccess: []string{"other"}},
		{ID: "other"},
	}
	if err := validateAlwaysRun(jobs); err == nil {
		t.Fatal("expected validation error for always_run job with successors")
	}
}
