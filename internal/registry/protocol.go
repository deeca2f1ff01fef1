package registry

import (
	"time"

	"github.com/swarmguard/workflow-orchestrator/internal/model"
)

// ClientMessage is any worker -> coordinator message, discriminated by Type.
type ClientMessage struct {
	Type         string                 `json:"type"` // register, heartbeat, job_status, ready
	Capabilities []model.JobType        `json:"capabilities,omitempty"`
	JobID        string                 `json:"job_id,omitempty"`
	Status       model.JobStatus        `json:"status,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// ServerMessage is any coordinator -> worker message, discriminated by Type.
type ServerMessage struct {
	Type         string                 `json:"type"` // registration_ack, registration_rejected, heartbeat_ack, job_assignment
	WorkerID     string                 `json:"worker_id,omitempty"`
	Timestamp    time.Time              `json:"timestamp,omitempty"`
	JobID        string                 `json:"job_id,omitempty"`
	JobType      model.JobType          `json:"job_type,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
}
