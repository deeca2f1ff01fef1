package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/workflow-orchestrator/internal/engine"
	"github.com/swarmguard/workflow-orchestrator/internal/model"
	"github.com/swarmguard/workflow-orchestrator/internal/platform/events"
	"github.com/swarmguard/workflow-orchestrator/internal/platform/logging"
	"github.com/swarmguard/workflow-orchestrator/internal/platform/otelinit"
	"github.com/swarmguard/workflow-orchestrator/internal/registry"
	"github.com/swarmguard/workflow-orchestrator/internal/scheduler"
	"github.com/swarmguard/workflow-orchestrator/internal/state"
	"github.com/swarmguard/workflow-orchestrator/internal/trigger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	service := "orchestrator-coordinator"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter("workflow-orchestrator")

	store := state.New()
	if boltPath := os.Getenv("ORCH_BOLT_PATH"); boltPath != "" {
		durable, err := state.OpenBoltDurable(boltPath, meter)
		if err != nil {
			slog.Error("bolt durable tier init failed, running memory-only", "path", boltPath, "error", err)
		} else {
			store = store.WithDurable(durable)
		}
	}
	if redisAddr := os.Getenv("ORCH_REDIS_ADDR"); redisAddr != "" {
		cache := state.NewRedisCache(redisAddr, "")
		store = store.WithCache(cache)
	}
	if err := store.Rebuild(ctx); err != nil {
		slog.Error("state rebuild failed", "error", err)
	}

	bus := events.Connect(os.Getenv("ORCH_NATS_ADDR"))
	defer bus.Close()

	var reg *registry.Registry
	sched := scheduler.New(store, senderFunc(func(ctx context.Context, workerID string, msg scheduler.JobAssignment) error {
		return reg.SendJobAssignment(ctx, workerID, msg)
	}))
	defer sched.Close()
	eng := engine.New(store, sched, bus)
	reg = registry.New(store, eng, bus)

	eng.ReconcileAfterRestart(ctx)
	go reg.StartLivenessMonitor(ctx)

	cronTrigger := trigger.New(eng)
	if err := loadCronSchedules(cronTrigger); err != nil {
		slog.Warn("cron schedule load failed", "error", err)
	}
	cronTrigger.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = cronTrigger.Stop(stopCtx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws/workers/{id}", func(w http.ResponseWriter, r *http.Request) {
		workerID := r.PathValue("id")
		if workerID == "" {
			http.Error(w, "worker id required", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "worker_id", workerID, "error", err)
			return
		}
		reg.HandleConnection(r.Context(), conn, workerID)
	})
	mux.HandleFunc("/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		handleWorkflows(w, r, eng, store)
	})
	mux.HandleFunc("/v1/workflows/", func(w http.ResponseWriter, r *http.Request) {
		handleWorkflowByID(w, r, eng, store)
	})
	mux.HandleFunc("/v1/workers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(store.ListWorkers())
	})
	if promHandler != nil {
		mux.Handle("/metrics", promHandler)
	}

	addr := os.Getenv("ORCH_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("coordinator started", "addr", addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	_ = store.Close()
	slog.Info("shutdown complete")
}

// senderFunc adapts a function literal to scheduler.Sender, letting the
// scheduler be constructed before the registry it sends through exists.
type senderFunc func(ctx context.Context, workerID string, msg scheduler.JobAssignment) error

func (f senderFunc) SendJobAssignment(ctx context.Context, workerID string, msg scheduler.JobAssignment) error {
	return f(ctx, workerID, msg)
}

type createWorkflowRequest struct {
	Name string      `json:"name"`
	Jobs []model.Job `json:"jobs"`
}

func handleWorkflows(w http.ResponseWriter, r *http.Request, eng *engine.Engine, store *state.Store) {
	switch r.Method {
	case http.MethodPost:
		var req createWorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		wf := model.Workflow{ID: uuid.New().String(), Name: req.Name, Jobs: req.Jobs}
		for i := range wf.Jobs {
			if wf.Jobs[i].ID == "" {
				wf.Jobs[i].ID = uuid.New().String()
			}
		}
		if err := eng.CreateWorkflow(r.Context(), wf); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": wf.ID})
	case http.MethodGet:
		_ = json.NewEncoder(w).Encode(store.ListWorkflows())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func handleWorkflowByID(w http.ResponseWriter, r *http.Request, eng *engine.Engine, store *state.Store) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/workflows/")
	id, action, hasAction := strings.Cut(path, "/")

	switch {
	case hasAction && action == "start" && r.Method == http.MethodPost:
		if err := eng.StartWorkflow(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	case hasAction && action == "cancel" && r.Method == http.MethodPost:
		if err := eng.CancelWorkflow(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	case !hasAction && r.Method == http.MethodGet:
		wf, ok := store.GetWorkflow(r.Context(), id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(wf)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// loadCronSchedules reads ORCH_CRON_SCHEDULES, a JSON array of
// {"name":..., "cron":..., "jobs":[...]} definitions, and registers each with
// cronTrigger. Absent or empty, no schedules are registered.
func loadCronSchedules(cronTrigger *trigger.Cron) error {
	raw := os.Getenv("ORCH_CRON_SCHEDULES")
	if raw == "" {
		return nil
	}
	var defs []struct {
		Name string      `json:"name"`
		Cron string      `json:"cron"`
		Jobs []model.Job `json:"jobs"`
	}
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return err
	}
	for _, d := range defs {
		err := cronTrigger.AddSchedule(trigger.Schedule{
			Definition: trigger.Definition{Name: d.Name, Jobs: d.Jobs},
			CronExpr:   d.Cron,
		})
		if err != nil {
			slog.Warn("cron schedule registration failed", "name", d.Name, "error", err)
		}
	}
	return nil
}
