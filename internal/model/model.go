// Package model defines the entities shared by the state store, registry,
// scheduler and workflow engine.
package model

import "time"

// JobType labels a class of work; a worker declares the set of types it can run.
type JobType string

const (
	JobValidation  JobType = "validation"
	JobProcessing  JobType = "processing"
	JobIntegration JobType = "integration"
	JobCleanup     JobType = "cleanup"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobRetrying  JobStatus = "retrying"
	JobSkipped   JobStatus = "skipped"
)

// WorkflowStatus is the lifecycle state of a Workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// WorkerStatus is the availability state of a Worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// DefaultMaxRetries is applied to a Job that doesn't specify one.
const DefaultMaxRetries = 3

// Job is a single unit of work belonging to exactly one workflow.
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Status      JobStatus              `json:"status"`
	WorkerID    string                 `json:"worker_id,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	OnSuccess   []string               `json:"on_success,omitempty"`
	OnFailure   []string               `json:"on_failure,omitempty"`
	AlwaysRun   bool                   `json:"always_run"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Clone returns a deep-enough copy safe to hand to a caller without it
// retaining a reference into store-owned memory.
func (j Job) Clone() Job {
	clone := j
	if j.Parameters != nil {
		clone.Parameters = cloneMap(j.Parameters)
	}
	if j.Result != nil {
		clone.Result = cloneMap(j.Result)
	}
	if j.OnSuccess != nil {
		clone.OnSuccess = append([]string(nil), j.OnSuccess...)
	}
	if j.OnFailure != nil {
		clone.OnFailure = append([]string(nil), j.OnFailure...)
	}
	return clone
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Workflow is a job graph with three mutually-disjoint id-sets tracking
// in-flight, completed and failed jobs.
type Workflow struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Status        WorkflowStatus `json:"status"`
	Jobs          []Job          `json:"jobs"`
	CurrentJobs   []string       `json:"current_jobs"`
	CompletedJobs []string       `json:"completed_jobs"`
	FailedJobs    []string       `json:"failed_jobs"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// JobByID returns a pointer to the job with the given id, or nil.
func (w *Workflow) JobByID(id string) *Job {
	for i := range w.Jobs {
		if w.Jobs[i].ID == id {
			return &w.Jobs[i]
		}
	}
	return nil
}

// Clone returns a deep-enough copy safe to hand to a caller without it
// retaining a reference into store-owned memory.
func (w Workflow) Clone() Workflow {
	clone := w
	if w.Jobs != nil {
		clone.Jobs = make([]Job, len(w.Jobs))
		for i, j := range w.Jobs {
			clone.Jobs[i] = j.Clone()
		}
	}
	clone.CurrentJobs = append([]string(nil), w.CurrentJobs...)
	clone.CompletedJobs = append([]string(nil), w.CompletedJobs...)
	clone.FailedJobs = append([]string(nil), w.FailedJobs...)
	return clone
}

// Worker is a capability-tagged remote process accepting job assignments.
type Worker struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	Capabilities  []JobType    `json:"capabilities"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// HasCapability reports whether the worker declares jt among its capabilities.
func (w Worker) HasCapability(jt JobType) bool {
	for _, c := range w.Capabilities {
		if c == jt {
			return true
		}
	}
	return false
}

// Assignment is the durable binding of a job to a worker held while the job is in-flight.
type Assignment struct {
	JobID      string    `json:"job_id"`
	WorkerID   string    `json:"worker_id"`
	AssignedAt time.Time `json:"assigned_at"`
}
