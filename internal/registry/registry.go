// Package registry owns the connection lifecycle for each worker and
// converts socket events into engine and scheduler calls.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/workflow-orchestrator/internal/model"
	"github.com/swarmguard/workflow-orchestrator/internal/platform/events"
	"github.com/swarmguard/workflow-orchestrator/internal/platform/resilience"
	"github.com/swarmguard/workflow-orchestrator/internal/scheduler"
)

const (
	// HeartbeatCheckInterval is how often the liveness monitor wakes.
	HeartbeatCheckInterval = 30 * time.Second
	// HeartbeatTimeout is the maximum silence before a worker is presumed dead.
	HeartbeatTimeout = 60 * time.Second
)

// FailureError is the structured error payload the engine receives when a
// job's worker disappears.
type FailureError struct {
	Reason   string `json:"reason"`
	WorkerID string `json:"worker_id,omitempty"`
}

func (e FailureError) Error() string {
	if e.WorkerID != "" {
		return fmt.Sprintf("%s: worker %s", e.Reason, e.WorkerID)
	}
	return e.Reason
}

// Store is the subset of the state store the registry needs.
type Store interface {
	AddWorker(ctx context.Context, w model.Worker) error
	UpdateWorker(ctx context.Context, w model.Worker) error
	RemoveWorker(ctx context.Context, id string) error
	GetWorker(id string) (model.Worker, bool)
	ListWorkers() []model.Worker
	GetWorkerJobs(workerID string) []string
	GetJobWorker(jobID string) (string, bool)
	UnassignJob(ctx context.Context, jobID string) error
	FindWorkflowByJobID(jobID string) (string, bool)
	RecordConnection(workerID string, conn interface{})
	DropConnection(workerID string)
	UpdateJob(ctx context.Context, workflowID string, job model.Job) error
	GetJob(workflowID, jobID string) (model.Job, bool)
}

// Engine is the subset of the workflow engine the registry drives.
type Engine interface {
	HandleJobCompletion(ctx context.Context, workflowID, jobID string, result map[string]interface{}) error
	HandleJobFailure(ctx context.Context, workflowID, jobID string, cause error) error
	ReattemptScheduling(ctx context.Context, workflowID string) error
	RunningWorkflowIDs() []string
}

// safeConn serialises writes; gorilla/websocket does not support concurrent writers.
type safeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (sc *safeConn) writeJSON(v interface{}) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteJSON(v)
}

func (sc *safeConn) ping() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
}

func (sc *safeConn) close() error {
	return sc.conn.Close()
}

// Registry owns worker connections and dispatches their messages.
type Registry struct {
	store  Store
	engine Engine
	bus    *events.Bus
	tracer trace.Tracer

	mu    sync.RWMutex
	conns map[string]*safeConn

	stop chan struct{}

	// registerLimiter caps how fast new workers can register, protecting
	// against a reconnect storm from a flapping fleet.
	registerLimiter *resilience.RateLimiter
}

func New(store Store, engine Engine, bus *events.Bus) *Registry {
	return &Registry{
		store:           store,
		engine:          engine,
		bus:             bus,
		tracer:          otel.Tracer("workflow-orchestrator"),
		conns:           make(map[string]*safeConn),
		stop:            make(chan struct{}),
		registerLimiter: resilience.NewRateLimiter(20, 5, time.Minute, 120),
	}
}

// SendJobAssignment implements scheduler.Sender.
func (r *Registry) SendJobAssignment(ctx context.Context, workerID string, msg scheduler.JobAssignment) error {
	r.mu.RLock()
	sc, ok := r.conns[workerID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no live connection for worker %s", workerID)
	}
	return sc.writeJSON(ServerMessage{
		Type:       "job_assignment",
		JobID:      msg.JobID,
		JobType:    msg.JobType,
		Parameters: msg.Parameters,
		Timestamp:  msg.Timestamp,
	})
}

// HandleConnection runs the per-connection cooperative read loop until the
// socket closes. workerID is the identity carried by the connection URL's
// final path segment per §6 — it is fixed for the lifetime of the
// connection, not assigned by `register`. The first message on a connection
// is expected to be `register`, but the loop accepts any message type at
// any time per §4.B.
func (r *Registry) HandleConnection(ctx context.Context, conn *websocket.Conn, workerID string) {
	sc := &safeConn{conn: conn}
	defer func() {
		r.dropWorker(context.Background(), workerID)
		sc.close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("malformed worker message", "error", err)
			continue
		}

		switch msg.Type {
		case "register":
			r.handleRegister(ctx, sc, msg, workerID)
		case "heartbeat":
			r.handleHeartbeat(ctx, sc, workerID)
		case "job_status":
			r.handleJobStatus(ctx, msg)
		case "ready":
			r.handleReady(ctx, workerID)
		default:
			slog.Warn("unknown worker message type", "type", msg.Type)
		}
	}
}

// handleRegister creates or replaces the Worker record identified by
// workerID — a reconnecting worker keeps its identity and any durable
// history tied to it, per §4.B.
func (r *Registry) handleRegister(ctx context.Context, sc *safeConn, msg ClientMessage, workerID string) {
	if !r.registerLimiter.Allow() {
		slog.Warn("worker registration rate-limited")
		if err := sc.writeJSON(ServerMessage{Type: "registration_rejected"}); err != nil {
			slog.Warn("registration rejection write failed", "error", err)
		}
		return
	}

	w := model.Worker{
		ID:            workerID,
		Status:        model.WorkerIdle,
		Capabilities:  msg.Capabilities,
		LastHeartbeat: time.Now().UTC(),
		RegisteredAt:  time.Now().UTC(),
	}
	if err := r.store.AddWorker(ctx, w); err != nil {
		slog.Error("register worker failed", "worker_id", workerID, "error", err)
		return
	}
	r.mu.Lock()
	r.conns[workerID] = sc
	r.mu.Unlock()
	r.store.RecordConnection(workerID, sc)

	if err := sc.writeJSON(ServerMessage{Type: "registration_ack", WorkerID: workerID}); err != nil {
		slog.Warn("registration ack write failed", "worker_id", workerID, "error", err)
	}
	slog.Info("worker registered", "worker_id", workerID, "capabilities", msg.Capabilities)
}

func (r *Registry) handleHeartbeat(ctx context.Context, sc *safeConn, workerID string) {
	if workerID == "" {
		return
	}
	w, ok := r.store.GetWorker(workerID)
	if !ok {
		return
	}
	w.LastHeartbeat = time.Now().UTC()
	if err := r.store.UpdateWorker(ctx, w); err != nil {
		slog.Warn("heartbeat update failed", "worker_id", workerID, "error", err)
		return
	}
	if err := sc.writeJSON(ServerMessage{Type: "heartbeat_ack", Timestamp: time.Now().UTC()}); err != nil {
		slog.Warn("heartbeat ack write failed", "worker_id", workerID, "error", err)
	}
}

func (r *Registry) handleJobStatus(ctx context.Context, msg ClientMessage) {
	workflowID, ok := r.store.FindWorkflowByJobID(msg.JobID)
	if !ok {
		slog.Warn("job_status for unknown job", "job_id", msg.JobID)
		return
	}
	switch msg.Status {
	case model.JobCompleted:
		if err := r.engine.HandleJobCompletion(ctx, workflowID, msg.JobID, msg.Result); err != nil {
			slog.Error("completion handling failed", "job_id", msg.JobID, "error", err)
		}
		r.clearAssignment(ctx, msg.JobID)
	case model.JobFailed:
		cause := fmt.Errorf("%s", msg.Error)
		if err := r.engine.HandleJobFailure(ctx, workflowID, msg.JobID, cause); err != nil {
			slog.Error("failure handling failed", "job_id", msg.JobID, "error", err)
		}
		// Only drop the assignment if the job landed terminal (failed). A
		// retry reassigns the job, possibly to a new worker, as part of
		// HandleJobFailure itself; clearing unconditionally here would race
		// that fresh assignment away.
		if job, ok := r.store.GetJob(workflowID, msg.JobID); ok && job.Status == model.JobFailed {
			r.clearAssignment(ctx, msg.JobID)
		}
	default:
		job, ok := r.store.GetJob(workflowID, msg.JobID)
		if !ok {
			return
		}
		job.Status = msg.Status
		if err := r.store.UpdateJob(ctx, workflowID, job); err != nil {
			slog.Warn("job status update failed", "job_id", msg.JobID, "error", err)
		}
	}
}

func (r *Registry) handleReady(ctx context.Context, workerID string) {
	if workerID == "" {
		return
	}
	w, ok := r.store.GetWorker(workerID)
	if !ok {
		return
	}
	w.Status = model.WorkerIdle
	w.CurrentJobID = ""
	if err := r.store.UpdateWorker(ctx, w); err != nil {
		slog.Warn("ready update failed", "worker_id", workerID, "error", err)
		return
	}
	for _, workflowID := range r.engine.RunningWorkflowIDs() {
		if err := r.engine.ReattemptScheduling(ctx, workflowID); err != nil {
			slog.Warn("reattempt scheduling failed", "workflow_id", workflowID, "error", err)
		}
	}
}

// clearAssignment drops the job_id -> worker_id assignment once a job has
// reached a terminal outcome; the worker itself is freed separately when it
// next sends `ready`.
func (r *Registry) clearAssignment(ctx context.Context, jobID string) {
	if err := r.store.UnassignJob(ctx, jobID); err != nil {
		slog.Warn("clear assignment failed", "job_id", jobID, "error", err)
	}
}

func (r *Registry) dropWorker(ctx context.Context, workerID string) {
	r.mu.Lock()
	delete(r.conns, workerID)
	r.mu.Unlock()
	r.store.DropConnection(workerID)
}

// StartLivenessMonitor runs the single background task that wakes every
// HeartbeatCheckInterval and fails any worker silent past HeartbeatTimeout.
// It blocks until ctx is cancelled.
func (r *Registry) StartLivenessMonitor(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepExpiredWorkers(ctx)
		}
	}
}

func (r *Registry) sweepExpiredWorkers(ctx context.Context) {
	now := time.Now().UTC()
	for _, w := range r.store.ListWorkers() {
		if now.Sub(w.LastHeartbeat) < HeartbeatTimeout {
			continue
		}
		slog.Warn("worker heartbeat timeout, failing worker", "worker_id", w.ID)
		r.failWorker(ctx, w.ID)
	}
}

// failWorker tears down a worker's connection and routes its in-flight jobs
// through the engine's failure handler.
func (r *Registry) failWorker(ctx context.Context, workerID string) {
	ctx, span := r.tracer.Start(ctx, "registry.fail_worker", trace.WithAttributes(attribute.String("worker_id", workerID)))
	defer span.End()

	jobIDs := r.store.GetWorkerJobs(workerID)

	r.mu.Lock()
	sc, ok := r.conns[workerID]
	delete(r.conns, workerID)
	r.mu.Unlock()
	if ok {
		sc.close()
	}
	r.store.DropConnection(workerID)

	if err := r.store.RemoveWorker(ctx, workerID); err != nil {
		slog.Error("remove failed worker failed", "worker_id", workerID, "error", err)
	}

	for _, jobID := range jobIDs {
		workflowID, ok := r.store.FindWorkflowByJobID(jobID)
		if !ok {
			continue
		}
		if err := r.store.UnassignJob(ctx, jobID); err != nil {
			slog.Warn("unassign job on worker failure failed", "job_id", jobID, "error", err)
		}
		if job, ok := r.store.GetJob(workflowID, jobID); ok {
			job.WorkerID = ""
			if err := r.store.UpdateJob(ctx, workflowID, job); err != nil {
				slog.Warn("clear job worker_id failed", "job_id", jobID, "error", err)
			}
		}
		cause := FailureError{Reason: "worker_disconnected", WorkerID: workerID}
		if err := r.engine.HandleJobFailure(ctx, workflowID, jobID, cause); err != nil {
			slog.Error("failure handling for disconnected worker's job failed", "job_id", jobID, "error", err)
		}
	}
}
