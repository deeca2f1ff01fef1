// Package events fans workflow and job lifecycle transitions out to a NATS
// subject so external observers (dashboards, audit sinks) can watch state
// changes without touching the state store directly. Publication is
// best-effort: a workflow or job transition is never rolled back or delayed
// because a subscriber is slow or absent.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

const (
	SubjectWorkflow = "orchestrator.workflow"
	SubjectJob      = "orchestrator.job"
)

// Transition describes a single state change published to the bus.
type Transition struct {
	Kind       string    `json:"kind"` // "workflow" or "job"
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Bus publishes lifecycle transitions. A nil *nats.Conn makes every publish
// a no-op, so the orchestrator runs fine without a broker configured.
type Bus struct {
	nc *nats.Conn
}

// Connect dials addr. If addr is empty, it returns a Bus with no connection
// — Publish becomes a no-op and the orchestrator degrades gracefully.
func Connect(addr string) *Bus {
	if addr == "" {
		return &Bus{}
	}
	nc, err := nats.Connect(addr, nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		slog.Warn("nats connect failed, lifecycle events disabled", "addr", addr, "error", err)
		return &Bus{}
	}
	return &Bus{nc: nc}
}

// Close closes the underlying connection, if any, without draining it.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// PublishWorkflow publishes a workflow-level transition to SubjectWorkflow.
func (b *Bus) PublishWorkflow(ctx context.Context, t Transition) {
	t.Kind = "workflow"
	b.publish(ctx, SubjectWorkflow, t)
}

// PublishJob publishes a job-level transition to SubjectJob.
func (b *Bus) PublishJob(ctx context.Context, t Transition) {
	t.Kind = "job"
	b.publish(ctx, SubjectJob, t)
}

func (b *Bus) publish(ctx context.Context, subject string, t Transition) {
	if b.nc == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		slog.Warn("lifecycle event marshal failed", "error", err)
		return
	}

	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(ctx, carrier)
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	if err := b.nc.PublishMsg(msg); err != nil {
		slog.Warn("lifecycle event publish failed", "subject", subject, "error", err)
	}
}

// Subscribe wraps nc.Subscribe, extracting trace context from each message
// and starting a consumer span before invoking handler.
func (b *Bus) Subscribe(subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	if b.nc == nil {
		return nil, nil
	}
	return b.nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("workflow-orchestrator")
		ctx, span := tr.Start(ctx, "events.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
