// Package graph implements the referential graph: directed parent/child
// links between entities and the cascade planning that composition links
// imply.
//
// The graph is purely structural. It knows ids and relation kinds; current
// states and workflow shape are injected when planning a cascade, so the
// graph never races the snapshot store.
package graph

import (
	"net/http"
	"sync"

	"flowgate.io/flowgate/internal/domain"
	apperrors "flowgate.io/flowgate/internal/pkg/errors"
	"flowgate.io/flowgate/internal/registry"
)

// StateLookup resolves an entity id to its kind and current state.
type StateLookup func(id string) (domain.Kind, domain.State, bool)

// Forced is one step of a cascade plan: the child transition a parent's
// terminal transition forces.
type Forced struct {
	EntityID string
	Kind     domain.Kind
	From     domain.State
	To       domain.State
}

// Graph tracks relations between entities. Safe for concurrent use.
type Graph struct {
	mu       sync.RWMutex
	children map[string][]domain.Relation // parent id -> outgoing edges, insertion order
	parents  map[string][]domain.Relation // child id -> incoming edges
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		children: make(map[string][]domain.Relation),
		parents:  make(map[string][]domain.Relation),
	}
}

// AddRelation links child under parent. Composition links are checked for
// cycles before insertion; on CYCLE_DETECTED the graph is unchanged.
func (g *Graph) AddRelation(parentID, childID string, kind domain.RelationKind) error {
	if kind != domain.RelationComposition && kind != domain.RelationReference {
		return apperrors.Configuration("unknown relation kind " + string(kind))
	}
	if parentID == childID {
		return apperrors.CycleDetected(parentID, childID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, rel := range g.children[parentID] {
		if rel.ChildID == childID {
			return apperrors.New(apperrors.CodeAlreadyExists,
				"relation already exists", http.StatusConflict).
				WithParams(map[string]interface{}{"parent_id": parentID, "child_id": childID})
		}
	}

	// A composition edge child -> ... -> parent would close a cycle.
	if kind == domain.RelationComposition && g.reachesLocked(childID, parentID) {
		return apperrors.CycleDetected(parentID, childID)
	}

	rel := domain.Relation{ParentID: parentID, ChildID: childID, Kind: kind}
	g.children[parentID] = append(g.children[parentID], rel)
	g.parents[childID] = append(g.parents[childID], rel)
	return nil
}

// RemoveRelation unlinks child from parent.
func (g *Graph) RemoveRelation(parentID, childID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := -1
	for i, rel := range g.children[parentID] {
		if rel.ChildID == childID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return apperrors.New(apperrors.CodeRelationNotFound,
			"relation does not exist", http.StatusNotFound).
			WithParams(map[string]interface{}{"parent_id": parentID, "child_id": childID})
	}
	g.children[parentID] = append(g.children[parentID][:idx:idx], g.children[parentID][idx+1:]...)

	for i, rel := range g.parents[childID] {
		if rel.ParentID == parentID {
			g.parents[childID] = append(g.parents[childID][:i:i], g.parents[childID][i+1:]...)
			break
		}
	}
	return nil
}

// ChildrenOf returns the ids of children linked under parent with the given
// relation kind, in insertion order.
func (g *Graph) ChildrenOf(parentID string, kind domain.RelationKind) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for _, rel := range g.children[parentID] {
		if rel.Kind == kind {
			out = append(out, rel.ChildID)
		}
	}
	return out
}

// ParentsOf returns the ids of parents the child is linked under.
func (g *Graph) ParentsOf(childID string, kind domain.RelationKind) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for _, rel := range g.parents[childID] {
		if rel.Kind == kind {
			out = append(out, rel.ParentID)
		}
	}
	return out
}

// Relations returns every edge in the graph, for persistence and tests.
func (g *Graph) Relations() []domain.Relation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []domain.Relation
	for _, rels := range g.children {
		out = append(out, rels...)
	}
	return out
}

// Load replays persisted relations into an empty graph at startup.
func (g *Graph) Load(rels []domain.Relation) error {
	for _, rel := range rels {
		if err := g.AddRelation(rel.ParentID, rel.ChildID, rel.Kind); err != nil {
			return err
		}
	}
	return nil
}

// CascadePlan computes the forced child transitions triggered by parent
// entering a terminal state. Traversal is breadth-first from the parent
// outward over composition edges only: children must follow the parent's
// fate before their own children are considered. Descendants already in a
// terminal state are skipped but still traversed through, which makes the
// cascade idempotent.
func (g *Graph) CascadePlan(parentID string, lookup StateLookup, reg *registry.Registry) ([]Forced, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var plan []Forced
	visited := map[string]bool{parentID: true}
	queue := []string{parentID}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, rel := range g.children[cur] {
			if rel.Kind != domain.RelationComposition || visited[rel.ChildID] {
				continue
			}
			visited[rel.ChildID] = true
			queue = append(queue, rel.ChildID)

			kind, state, ok := lookup(rel.ChildID)
			if !ok {
				return nil, apperrors.EntityNotFound(rel.ChildID)
			}
			wf, ok := reg.Workflow(kind)
			if !ok {
				return nil, apperrors.Configuration("unknown kind " + string(kind))
			}
			if wf.IsTerminal(state) {
				continue
			}
			forced, ok := wf.OnParentTerminal()
			if !ok {
				return nil, apperrors.Configuration(
					"kind " + string(kind) + " participates in a composition but declares no on_parent_terminal state")
			}
			plan = append(plan, Forced{
				EntityID: rel.ChildID,
				Kind:     kind,
				From:     state,
				To:       forced,
			})
		}
	}
	return plan, nil
}

// reachesLocked reports whether walking composition edges from start can
// reach target. Caller holds g.mu.
func (g *Graph) reachesLocked(start, target string) bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		for _, rel := range g.children[cur] {
			if rel.Kind == domain.RelationComposition && !seen[rel.ChildID] {
				seen[rel.ChildID] = true
				stack = append(stack, rel.ChildID)
			}
		}
	}
	return false
}
