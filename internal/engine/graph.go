package engine

import (
	"fmt"

	"github.com/swarmguard/workflow-orchestrator/internal/model"
)

// Graph is the reverse-adjacency dependency graph for one workflow's jobs.
type Graph struct {
	// deps maps a job id to the set of job ids that list it as a successor.
	deps map[string]map[string]struct{}
	// successors maps a job id to every job id it lists in on_success or on_failure.
	successors map[string][]string
	entries    []string
}

// BuildGraph constructs the reverse-adjacency graph for jobs, in their
// definition order. Every id referenced by on_success/on_failure must name a
// job in the same list ("invalid reference"), and the successor graph must
// be acyclic ("circular dependency").
func BuildGraph(jobs []model.Job) (*Graph, error) {
	ids := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		ids[j.ID] = struct{}{}
	}

	deps := make(map[string]map[string]struct{}, len(jobs))
	successors := make(map[string][]string, len(jobs))
	for _, j := range jobs {
		deps[j.ID] = map[string]struct{}{}
	}

	for _, j := range jobs {
		children := append(append([]string{}, j.OnSuccess...), j.OnFailure...)
		successors[j.ID] = children
		for _, childID := range children {
			if _, ok := ids[childID]; !ok {
				return nil, fmt.Errorf("invalid reference: job %s references unknown successor %s", j.ID, childID)
			}
			deps[childID][j.ID] = struct{}{}
		}
	}

	if cycleID, found := detectCycle(jobs, successors); found {
		return nil, fmt.Errorf("circular dependency: job %s", cycleID)
	}

	// always_run jobs never enter via the entry set, referenced or not: they
	// are dispatched exclusively by the terminal always-run pass.
	var entries []string
	for _, j := range jobs {
		if j.AlwaysRun {
			continue
		}
		if len(deps[j.ID]) == 0 {
			entries = append(entries, j.ID)
		}
	}

	return &Graph{deps: deps, successors: successors, entries: entries}, nil
}

type colour int

const (
	white colour = iota
	grey
	black
)

// detectCycle runs the standard three-colour DFS over the successor graph,
// visiting jobs in definition order for determinism, and fails on the first
// back-edge (grey -> grey) it encounters.
func detectCycle(jobs []model.Job, successors map[string][]string) (string, bool) {
	colours := make(map[string]colour, len(jobs))
	for _, j := range jobs {
		colours[j.ID] = white
	}

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		colours[id] = grey
		for _, child := range successors[id] {
			switch colours[child] {
			case grey:
				return child, true
			case white:
				if cycleID, found := visit(child); found {
					return cycleID, true
				}
			}
		}
		colours[id] = black
		return "", false
	}

	for _, j := range jobs {
		if colours[j.ID] == white {
			if cycleID, found := visit(j.ID); found {
				return cycleID, true
			}
		}
	}
	return "", false
}

// EntryJobs returns the workflow's entry job ids in definition order,
// excluding always_run jobs — those only ever run via the terminal
// always-run pass, never at workflow start.
func (g *Graph) EntryJobs() []string { return g.entries }

// Predecessors returns the set of job ids that list jobID as a successor.
func (g *Graph) Predecessors(jobID string) map[string]struct{} { return g.deps[jobID] }
