// Command worker is a minimal demo worker: it registers with a coordinator,
// executes whatever job_assignment messages it receives by sleeping for a
// short, deterministic duration, and reports completion. It exists to
// exercise the coordinator end to end, not as a template for a real executor.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/swarmguard/workflow-orchestrator/internal/model"
	"github.com/swarmguard/workflow-orchestrator/internal/platform/logging"
	"github.com/swarmguard/workflow-orchestrator/internal/registry"
)

const (
	heartbeatInterval = 15 * time.Second
	simulatedJobCost  = 200 * time.Millisecond
)

func main() {
	var coordinatorAddr string
	var workerID string
	var capabilities string
	flag.StringVar(&coordinatorAddr, "coordinator", envOr("ORCH_COORDINATOR_ADDR", "ws://localhost:8080/ws/workers"), "coordinator websocket base address")
	flag.StringVar(&workerID, "id", envOr("ORCH_WORKER_ID", uuid.New().String()), "worker identity; carried as the connection URL's final path segment so the coordinator can recognize a reconnect")
	flag.StringVar(&capabilities, "capabilities", envOr("ORCH_WORKER_CAPABILITIES", "validation,processing,integration,cleanup"), "comma-separated job types this worker accepts")
	flag.Parse()

	logging.Init("orchestrator-worker")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	caps := parseCapabilities(capabilities)
	addr := strings.TrimRight(coordinatorAddr, "/") + "/" + workerID

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 500 * time.Millisecond
	boff.MaxInterval = 15 * time.Second
	boff.MaxElapsedTime = 0 // retry forever; the process is meant to stay up

	for {
		if ctx.Err() != nil {
			return
		}
		if err := runSession(ctx, addr, caps); err != nil {
			wait := boff.NextBackOff()
			slog.Warn("worker session ended, reconnecting", "worker_id", workerID, "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		boff.Reset()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseCapabilities(raw string) []model.JobType {
	var out []model.JobType
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, model.JobType(raw[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// runSession dials the coordinator, registers, and runs the read/write loop
// until the socket closes or ctx is cancelled.
func runSession(ctx context.Context, addr string, caps []model.JobType) error {
	if _, err := url.Parse(addr); err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	if err := writeJSON(registry.ClientMessage{Type: "register", Capabilities: caps}); err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		heartbeatLoop(sessionCtx, writeJSON)
	}()
	defer wg.Wait()
	defer cancel()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg registry.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("malformed coordinator message", "error", err)
			continue
		}
		switch msg.Type {
		case "registration_ack":
			slog.Info("registered with coordinator", "worker_id", msg.WorkerID)
		case "heartbeat_ack":
			// no-op, confirms liveness
		case "job_assignment":
			go executeJob(writeJSON, msg)
		default:
			slog.Warn("unknown coordinator message type", "type", msg.Type)
		}
	}
}

func heartbeatLoop(ctx context.Context, writeJSON func(interface{}) error) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(registry.ClientMessage{Type: "heartbeat"}); err != nil {
				slog.Warn("heartbeat send failed", "error", err)
				return
			}
		}
	}
}

// executeJob simulates running msg's job and reports the outcome. Real
// executors would dispatch on msg.JobType instead.
func executeJob(writeJSON func(interface{}) error, msg registry.ServerMessage) {
	slog.Info("job started", "job_id", msg.JobID, "job_type", msg.JobType)
	time.Sleep(simulatedJobCost)

	result := map[string]interface{}{"processed_at": time.Now().UTC().Format(time.RFC3339)}
	if err := writeJSON(registry.ClientMessage{
		Type:   "job_status",
		JobID:  msg.JobID,
		Status: model.JobCompleted,
		Result: result,
	}); err != nil {
		slog.Warn("job completion report failed", "job_id", msg.JobID, "error", err)
		return
	}
	if err := writeJSON(registry.ClientMessage{Type: "ready"}); err != nil {
		slog.Warn("ready report failed", "error", err)
	}
	slog.Info("job completed", "job_id", msg.JobID)
}
