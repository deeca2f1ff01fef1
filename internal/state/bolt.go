package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/workflow-orchestrator/internal/model"
)

var (
	bucketWorkflows   = []byte("workflows")
	bucketWorkers     = []byte("workers")
	bucketAssignments = []byte("assignments")
)

// BoltDurable is the durable state tier backed by BoltDB. Chosen over a
// server-based store for single-binary deployment: pure Go, no C
// dependencies, no separate process to operate.
type BoltDurable struct {
	db *bbolt.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// OpenBoltDurable opens (creating if absent) a BoltDB file at path and
// ensures its buckets exist.
func OpenBoltDurable(path string, meter metric.Meter) (*BoltDurable, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketWorkers, bucketAssignments} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	readLatency, _ := meter.Float64Histogram("orch_state_db_read_ms")
	writeLatency, _ := meter.Float64Histogram("orch_state_db_write_ms")
	return &BoltDurable{db: db, readLatency: readLatency, writeLatency: writeLatency}, nil
}

func (b *BoltDurable) Close() error { return b.db.Close() }

func (b *BoltDurable) recordWrite(ctx context.Context, op string, start time.Time) {
	if b.writeLatency == nil {
		return
	}
	b.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("operation", op)))
}

func (b *BoltDurable) PutWorkflow(ctx context.Context, wf model.Workflow) error {
	start := time.Now()
	defer b.recordWrite(ctx, "put_workflow", start)
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Put([]byte(wf.ID), data)
	})
}

func (b *BoltDurable) DeleteWorkflow(ctx context.Context, id string) error {
	start := time.Now()
	defer b.recordWrite(ctx, "delete_workflow", start)
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Delete([]byte(id))
	})
}

// PutJob persists the job by re-writing its owning workflow record, since
// jobs are stored nested inside the workflow row.
func (b *BoltDurable) PutJob(ctx context.Context, workflowID string, j model.Job) error {
	start := time.Now()
	defer b.recordWrite(ctx, "put_job", start)
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		data := bucket.Get([]byte(workflowID))
		if data == nil {
			return fmt.Errorf("workflow %s not found", workflowID)
		}
		var wf model.Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return fmt.Errorf("unmarshal workflow: %w", err)
		}
		found := false
		for i := range wf.Jobs {
			if wf.Jobs[i].ID == j.ID {
				wf.Jobs[i] = j
				found = true
				break
			}
		}
		if !found {
			wf.Jobs = append(wf.Jobs, j)
		}
		out, err := json.Marshal(wf)
		if err != nil {
			return fmt.Errorf("marshal workflow: %w", err)
		}
		return bucket.Put([]byte(workflowID), out)
	})
}

func (b *BoltDurable) DeleteJob(ctx context.Context, workflowID, jobID string) error {
	start := time.Now()
	defer b.recordWrite(ctx, "delete_job", start)
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		data := bucket.Get([]byte(workflowID))
		if data == nil {
			return nil
		}
		var wf model.Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return fmt.Errorf("unmarshal workflow: %w", err)
		}
		kept := wf.Jobs[:0]
		for _, j := range wf.Jobs {
			if j.ID != jobID {
				kept = append(kept, j)
			}
		}
		wf.Jobs = kept
		out, err := json.Marshal(wf)
		if err != nil {
			return fmt.Errorf("marshal workflow: %w", err)
		}
		return bucket.Put([]byte(workflowID), out)
	})
}

func (b *BoltDurable) PutWorker(ctx context.Context, w model.Worker) error {
	start := time.Now()
	defer b.recordWrite(ctx, "put_worker", start)
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal worker: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkers).Put([]byte(w.ID), data)
	})
}

func (b *BoltDurable) DeleteWorker(ctx context.Context, id string) error {
	start := time.Now()
	defer b.recordWrite(ctx, "delete_worker", start)
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(id))
	})
}

func (b *BoltDurable) PutAssignment(ctx context.Context, a model.Assignment) error {
	start := time.Now()
	defer b.recordWrite(ctx, "put_assignment", start)
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAssignments).Put([]byte(a.JobID), data)
	})
}

func (b *BoltDurable) DeleteAssignment(ctx context.Context, jobID string) error {
	start := time.Now()
	defer b.recordWrite(ctx, "delete_assignment", start)
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAssignments).Delete([]byte(jobID))
	})
}

func (b *BoltDurable) LoadAll(ctx context.Context) ([]model.Workflow, []model.Worker, []model.Assignment, error) {
	start := time.Now()
	defer func() {
		if b.readLatency != nil {
			b.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("operation", "load_all")))
		}
	}()

	var workflows []model.Workflow
	var workers []model.Worker
	var assignments []model.Assignment

	err := b.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var wf model.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			workflows = append(workflows, wf)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var w model.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return nil
			}
			workers = append(workers, w)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketAssignments).ForEach(func(k, v []byte) error {
			var a model.Assignment
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			assignments = append(assignments, a)
			return nil
		})
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load all: %w", err)
	}
	return workflows, workers, assignments, nil
}
