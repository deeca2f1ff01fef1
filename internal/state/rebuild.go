package state

import "github.com/swarmguard/workflow-orchestrator/internal/model"

// InFlightJob pairs a job with the workflow it belongs to, for reconciliation
// after a rebuild from durable storage.
type InFlightJob struct {
	WorkflowID string
	Job        model.Job
}

// InFlightJobs returns every job left in status running or retrying across
// all workflows currently in memory. Called once after Rebuild, before the
// store accepts traffic, so the engine can route each through its failure
// handler with a synthesised "coordinator restart" error.
func (s *Store) InFlightJobs() []InFlightJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []InFlightJob
	for _, wf := range s.workflows {
		for _, j := range wf.Jobs {
			if j.Status == model.JobRunning || j.Status == model.JobRetrying {
				out = append(out, InFlightJob{WorkflowID: wf.ID, Job: j.Clone()})
			}
		}
	}
	return out
}
