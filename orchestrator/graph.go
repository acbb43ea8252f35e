package orchestrator

import (
	"errors"
	"fmt"
	"sort"
)

// ErrCycle marks a plan whose dependency graph is not acyclic. Cyclic
// plans are rejected outright rather than repaired.
var ErrCycle = errors.New("dependency cycle in plan")

// dfs colors for cycle detection.
type color int

const (
	white color = iota // unvisited
	gray               // on the current path
	black              // fully explored
)

// validateAcyclic runs a depth-first search over the dependency graph and
// returns ErrCycle (wrapped with the offending step) when a step is
// reachable from itself.
func validateAcyclic(steps []TaskStep) error {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependencyIDs
	}

	colors := make(map[string]color, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case gray:
			return fmt.Errorf("%w: step %q is part of a cycle", ErrCycle, id)
		case black:
			return nil
		}
		colors[id] = gray
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		colors[id] = black
		return nil
	}

	// Visit in a stable order so the reported cycle member is
	// deterministic.
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// topoWaves performs Kahn's algorithm and groups steps into waves: every
// step in wave n depends only on steps in waves < n. Step order within a
// wave is sorted by id, so identical plans always schedule identically.
// Callers must have validated acyclicity first.
func topoWaves(steps []TaskStep) [][]TaskStep {
	byID := make(map[string]TaskStep, len(steps))
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
		indegree[s.ID] = len(s.DependencyIDs)
		for _, dep := range s.DependencyIDs {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	ready := make([]string, 0, len(steps))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	var waves [][]TaskStep
	for len(ready) > 0 {
		sort.Strings(ready)
		wave := make([]TaskStep, 0, len(ready))
		var next []string
		for _, id := range ready {
			wave = append(wave, byID[id])
			for _, dependent := range dependents[id] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		waves = append(waves, wave)
		ready = next
	}
	return waves
}

// transitiveDependents returns every step id that directly or indirectly
// depends on any id in failed. Those steps must never be started.
func transitiveDependents(steps []TaskStep, failed map[string]struct{}) map[string]struct{} {
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependencyIDs {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	out := make(map[string]struct{})
	queue := make([]string, 0, len(failed))
	for id := range failed {
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[id] {
			if _, seen := out[dep]; seen {
				continue
			}
			out[dep] = struct{}{}
			queue = append(queue, dep)
		}
	}
	return out
}
