package scheduler

import (
	"fmt"

	"github.com/gammazero/toposort"
)

// ValidateGraph topologically sorts the live dependency graph and returns a
// dependency-consistent dispatch order of the non-terminal task IDs.
// A cycle means the tasks on it can never become eligible; callers should
// validate after batch submission and cancel or resubmit the offenders.
func (s *Scheduler) ValidateGraph() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortGraphLocked()
}

func (s *Scheduler) sortGraphLocked() ([]string, error) {
	var edges []toposort.Edge
	for id, t := range s.pending {
		if len(t.pendingDeps) == 0 {
			// Root tasks get a nil-source edge so the sort includes them.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for depID := range t.pendingDeps {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}
	for id := range s.running {
		edges = append(edges, toposort.Edge{nil, id})
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains a cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		sid := id.(string)
		// The sort also emits dependency IDs that are already completed or
		// not yet submitted; only report live tasks.
		if _, ok := s.pending[sid]; ok {
			order = append(order, sid)
			continue
		}
		if _, ok := s.running[sid]; ok {
			order = append(order, sid)
		}
	}
	return order, nil
}

func (s *Scheduler) hasCycleLocked() bool {
	_, err := s.sortGraphLocked()
	return err != nil
}
