// Package graph derives the dependency edges between descriptors from the
// fixed stage chain and computes, for any ledger snapshot, the set of
// descriptors that are ready to execute.
package graph

import (
	"fmt"

	"github.com/vk/aisflow/internal/ledger"
	"github.com/vk/aisflow/internal/task"
)

// Resolver holds the descriptor set of one run and its derived edges.
// Edges are fixed at construction; readiness is a pure function of a ledger
// snapshot, so the resolver itself carries no execution state.
type Resolver struct {
	descs      map[string]task.Descriptor
	deps       map[string][]string
	dependents map[string][]string
}

// New builds the resolver for the given descriptor set. It derives edges
// from the stage chain (stage n at key K depends on stage n-1 at key K; Load
// depends on every Dedup descriptor), and fails on a missing predecessor or
// a cycle. The fixed chain cannot cycle, but the check guards against a
// misconfigured stage table.
func New(descs []task.Descriptor) (*Resolver, error) {
	r := &Resolver{
		descs:      make(map[string]task.Descriptor, len(descs)),
		deps:       make(map[string][]string, len(descs)),
		dependents: make(map[string][]string, len(descs)),
	}
	for _, d := range descs {
		if _, dup := r.descs[d.ID()]; dup {
			return nil, fmt.Errorf("duplicate descriptor %s", d.ID())
		}
		r.descs[d.ID()] = d
	}

	byStage := make(map[task.Stage][]task.Descriptor)
	for _, d := range descs {
		byStage[d.Stage] = append(byStage[d.Stage], d)
	}
	for _, ds := range byStage {
		task.SortDescriptors(ds)
	}

	for _, d := range descs {
		prev, ok := d.Stage.Predecessor()
		if !ok {
			continue
		}
		if d.Stage.JoinsAllPredecessors() {
			for _, dep := range byStage[prev] {
				r.addEdge(dep.ID(), d.ID())
			}
			continue
		}
		depID := task.Descriptor{Stage: prev, Key: d.Key}.ID()
		if _, ok := r.descs[depID]; !ok {
			return nil, fmt.Errorf("descriptor %s requires missing %s", d.ID(), depID)
		}
		r.addEdge(depID, d.ID())
	}

	if err := r.detectCycles(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resolver) addEdge(fromID, toID string) {
	r.deps[toID] = append(r.deps[toID], fromID)
	r.dependents[fromID] = append(r.dependents[fromID], toID)
}

// detectCycles runs a depth-first search with temporary/permanent marks over
// the dependent edges and reports the first cycle found.
func (r *Resolver) detectCycles() error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			return fmt.Errorf("cycle detected involving %s", id)
		}
		temporary[id] = true
		for _, dep := range r.dependents[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(temporary, id)
		permanent[id] = true
		return nil
	}

	for id := range r.descs {
		if !permanent[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Descriptors returns the run's full descriptor set in stage/key order.
func (r *Resolver) Descriptors() []task.Descriptor {
	out := make([]task.Descriptor, 0, len(r.descs))
	for _, d := range r.descs {
		out = append(out, d)
	}
	task.SortDescriptors(out)
	return out
}

// Dependencies returns the descriptor IDs the given descriptor depends on.
func (r *Resolver) Dependencies(id string) []string {
	return r.deps[id]
}

// Dependents returns the descriptor IDs that depend on the given descriptor.
func (r *Resolver) Dependents(id string) []string {
	return r.dependents[id]
}

// ReadySet returns every descriptor whose dependencies are all Succeeded in
// the snapshot and whose own entry is Pending, or Failed and accepted by the
// retry predicate. A nil predicate means Failed entries are never ready.
//
// A join descriptor waits only for branches that can still succeed: a
// dependency doomed by an upstream failure is excluded from the wait, and
// the join becomes ready once every remaining dependency has succeeded, as
// long as at least one did. A direct dependency that itself failed blocks
// the join for good.
//
// Pure: neither the resolver nor the snapshot is mutated.
func (r *Resolver) ReadySet(snap ledger.Snapshot, retryable func(ledger.Entry) bool) []task.Descriptor {
	doomed := r.doomedSet(snap, retryable)
	var ready []task.Descriptor
	for id, d := range r.descs {
		if doomed[id] {
			continue
		}
		switch snap.Status(d) {
		case ledger.StatusPending:
			// eligible
		case ledger.StatusFailed:
			if retryable == nil || !retryable(snap[id]) {
				continue
			}
		default:
			continue
		}
		if d.Stage.JoinsAllPredecessors() {
			if r.joinSatisfied(id, snap, doomed) {
				ready = append(ready, d)
			}
			continue
		}
		if r.satisfied(id, snap) {
			ready = append(ready, d)
		}
	}
	task.SortDescriptors(ready)
	return ready
}

// SatisfiedDependencies returns the dependencies of the given descriptor
// that are Succeeded in the snapshot, in stage/key order.
func (r *Resolver) SatisfiedDependencies(id string, snap ledger.Snapshot) []task.Descriptor {
	var out []task.Descriptor
	for _, depID := range r.deps[id] {
		if dep, ok := r.descs[depID]; ok && snap.Status(dep) == ledger.StatusSucceeded {
			out = append(out, dep)
		}
	}
	task.SortDescriptors(out)
	return out
}

func (r *Resolver) satisfied(id string, snap ledger.Snapshot) bool {
	for _, depID := range r.deps[id] {
		if snap.Status(r.descs[depID]) != ledger.StatusSucceeded {
			return false
		}
	}
	return true
}

func (r *Resolver) joinSatisfied(id string, snap ledger.Snapshot, doomed map[string]bool) bool {
	succeeded := 0
	for _, depID := range r.deps[id] {
		switch {
		case snap.Status(r.descs[depID]) == ledger.StatusSucceeded:
			succeeded++
		case doomed[depID]:
			// This branch will never deliver; do not wait for it.
		default:
			return false
		}
	}
	return succeeded > 0
}

// doomedSet returns the descriptors that can no longer succeed: entries
// that failed with no retry left, plus everything downstream of them. A
// join descriptor is doomed only when a direct dependency failed or when
// every dependency is doomed.
func (r *Resolver) doomedSet(snap ledger.Snapshot, retryable func(ledger.Entry) bool) map[string]bool {
	failedForGood := func(id string) bool {
		if snap.Status(r.descs[id]) != ledger.StatusFailed {
			return false
		}
		return retryable == nil || !retryable(snap[id])
	}

	cache := make(map[string]bool, len(r.descs))
	var visit func(id string) bool
	visit = func(id string) bool {
		if v, ok := cache[id]; ok {
			return v
		}
		if failedForGood(id) {
			cache[id] = true
			return true
		}
		deps := r.deps[id]
		if r.descs[id].Stage.JoinsAllPredecessors() && len(deps) > 0 {
			allDoomed := true
			for _, depID := range deps {
				if failedForGood(depID) {
					cache[id] = true
					return true
				}
				if !visit(depID) {
					allDoomed = false
				}
			}
			cache[id] = allDoomed
			return allDoomed
		}
		for _, depID := range deps {
			if visit(depID) {
				cache[id] = true
				return true
			}
		}
		cache[id] = false
		return false
	}

	doomed := make(map[string]bool)
	for id := range r.descs {
		if visit(id) {
			doomed[id] = true
		}
	}
	return doomed
}
