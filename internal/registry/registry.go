// Package registry implements the process-wide status registry: the set of
// valid states, the initial state, and the allowed transitions per entity
// kind.
//
// The registry has a two-phase lifecycle. During startup, modules register
// their workflow definitions; a Seal call then freezes the registry and
// runs whole-graph validation. After sealing, all reads are lock-free and
// registration attempts fail with CONFIGURATION_ERROR. The registry is an
// explicit dependency passed to the engine, never a package singleton.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"flowgate.io/flowgate/internal/domain"
	apperrors "flowgate.io/flowgate/internal/pkg/errors"
)

// GuardContext carries the facts a guard predicate may inspect. Values is
// the caller-supplied request context (e.g. {"amount_due": 0} for an
// invoice about to be marked paid).
type GuardContext struct {
	EntityID string
	Kind     domain.Kind
	From     domain.State
	To       domain.State
	Actor    string
	Values   map[string]any
}

// GuardFunc is a business-rule predicate attached to a transition. A nil
// return admits the transition; a non-nil error becomes GUARD_FAILED with
// the error text as detail.
type GuardFunc func(ctx context.Context, gc GuardContext) error

// Transition declares one allowed edge of a kind's workflow graph.
type Transition struct {
	From  domain.State
	To    domain.State
	Guard GuardFunc
}

// Definition is a complete workflow description for one kind.
type Definition struct {
	Kind    domain.Kind
	States  []domain.State
	Initial domain.State

	// OnParentTerminal is the terminal state forced on entities of this
	// kind when a composition parent enters a terminal state. Required
	// for kinds that participate as composition children.
	OnParentTerminal domain.State

	Transitions []Transition
}

// Workflow is the sealed, queryable form of a Definition.
type Workflow struct {
	kind             domain.Kind
	initial          domain.State
	onParentTerminal domain.State
	states           map[domain.State]bool
	edges            map[domain.State]map[domain.State]*Transition
}

// Kind returns the workflow's entity kind.
func (w *Workflow) Kind() domain.Kind { return w.kind }

// Initial returns the creation state.
func (w *Workflow) Initial() domain.State { return w.initial }

// OnParentTerminal returns the forced cascade target, if declared.
func (w *Workflow) OnParentTerminal() (domain.State, bool) {
	return w.onParentTerminal, w.onParentTerminal != ""
}

// HasState reports whether s is a declared state of this workflow.
func (w *Workflow) HasState(s domain.State) bool { return w.states[s] }

// States returns every declared state, sorted.
func (w *Workflow) States() []domain.State {
	out := make([]domain.State, 0, len(w.states))
	for s := range w.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rule returns the declared transition from -> to, if any.
func (w *Workflow) Rule(from, to domain.State) (*Transition, bool) {
	t, ok := w.edges[from][to]
	return t, ok
}

// ValidTransitions returns the states reachable from s in one step, sorted
// for deterministic iteration. An empty result means s is terminal.
func (w *Workflow) ValidTransitions(s domain.State) []domain.State {
	out := make([]domain.State, 0, len(w.edges[s]))
	for to := range w.edges[s] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsTerminal reports whether s has no outgoing transitions.
func (w *Workflow) IsTerminal(s domain.State) bool {
	return len(w.edges[s]) == 0
}

// Registry holds the workflow definitions for every registered kind.
type Registry struct {
	mu        sync.Mutex
	sealed    atomic.Bool
	workflows map[domain.Kind]*Workflow
}

// New creates an empty, unsealed registry.
func New() *Registry {
	return &Registry{workflows: make(map[domain.Kind]*Workflow)}
}

// Register adds a workflow definition. It fails with CONFIGURATION_ERROR if
// the registry is sealed, the kind is already registered, the initial state
// is undeclared, or a transition references an undeclared state.
func (r *Registry) Register(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Checked under the same mutex Seal holds, so a registration racing a
	// concurrent Seal can never slip into a sealed registry unvalidated.
	if r.sealed.Load() {
		return apperrors.Configuration(fmt.Sprintf("registry is sealed, cannot register kind %s", def.Kind))
	}

	if def.Kind == "" {
		return apperrors.Configuration("workflow kind must not be empty")
	}
	if _, dup := r.workflows[def.Kind]; dup {
		return apperrors.Configuration(fmt.Sprintf("kind %s registered twice", def.Kind))
	}
	if len(def.States) == 0 {
		return apperrors.Configuration(fmt.Sprintf("kind %s declares no states", def.Kind))
	}

	states := make(map[domain.State]bool, len(def.States))
	for _, s := range def.States {
		if s == "" {
			return apperrors.Configuration(fmt.Sprintf("kind %s declares an empty state", def.Kind))
		}
		if states[s] {
			return apperrors.Configuration(fmt.Sprintf("kind %s declares state %s twice", def.Kind, s))
		}
		states[s] = true
	}
	if !states[def.Initial] {
		return apperrors.Configuration(fmt.Sprintf("kind %s initial state %s is not declared", def.Kind, def.Initial))
	}
	if def.OnParentTerminal != "" && !states[def.OnParentTerminal] {
		return apperrors.Configuration(fmt.Sprintf(
			"kind %s on_parent_terminal state %s is not declared", def.Kind, def.OnParentTerminal))
	}

	edges := make(map[domain.State]map[domain.State]*Transition)
	for i := range def.Transitions {
		t := def.Transitions[i]
		if !states[t.From] {
			return apperrors.Configuration(fmt.Sprintf(
				"kind %s transition references undeclared state %s", def.Kind, t.From))
		}
		if !states[t.To] {
			return apperrors.Configuration(fmt.Sprintf(
				"kind %s transition references undeclared state %s", def.Kind, t.To))
		}
		if edges[t.From] == nil {
			edges[t.From] = make(map[domain.State]*Transition)
		}
		if _, dup := edges[t.From][t.To]; dup {
			return apperrors.Configuration(fmt.Sprintf(
				"kind %s declares transition %s -> %s twice", def.Kind, t.From, t.To))
		}
		edges[t.From][t.To] = &t
	}

	r.workflows[def.Kind] = &Workflow{
		kind:             def.Kind,
		initial:          def.Initial,
		onParentTerminal: def.OnParentTerminal,
		states:           states,
		edges:            edges,
	}
	return nil
}

// Seal freezes the registry and validates every workflow graph:
// every state reachable from the initial state, at least one terminal
// state, cascade target terminal. Sealing twice is a configuration error.
func (r *Registry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return apperrors.Configuration("registry sealed twice")
	}

	for kind, wf := range r.workflows {
		if err := validateGraph(kind, wf); err != nil {
			return err
		}
	}

	r.sealed.Store(true)
	return nil
}

// Sealed reports whether Seal has completed.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Workflow returns the sealed workflow for kind.
func (r *Registry) Workflow(kind domain.Kind) (*Workflow, bool) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	wf, ok := r.workflows[kind]
	return wf, ok
}

// ValidTransitions returns the one-step reachable states for (kind, state).
// An empty set signals a terminal state.
func (r *Registry) ValidTransitions(kind domain.Kind, state domain.State) ([]domain.State, error) {
	wf, ok := r.Workflow(kind)
	if !ok {
		return nil, apperrors.Configuration(fmt.Sprintf("unknown kind %s", kind))
	}
	if !wf.HasState(state) {
		return nil, apperrors.Configuration(fmt.Sprintf("kind %s has no state %s", kind, state))
	}
	return wf.ValidTransitions(state), nil
}

// Kinds returns all registered kinds, sorted.
func (r *Registry) Kinds() []domain.Kind {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	out := make([]domain.Kind, 0, len(r.workflows))
	for k := range r.workflows {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// validateGraph enforces the structural invariants of one workflow.
func validateGraph(kind domain.Kind, wf *Workflow) error {
	// Reachability: walk forward from the initial state.
	seen := map[domain.State]bool{wf.initial: true}
	queue := []domain.State{wf.initial}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for to := range wf.edges[cur] {
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}
	for s := range wf.states {
		if !seen[s] {
			return apperrors.Configuration(fmt.Sprintf(
				"kind %s state %s is unreachable from initial state %s", kind, s, wf.initial))
		}
	}

	terminal := 0
	for s := range wf.states {
		if wf.IsTerminal(s) {
			terminal++
		}
	}
	if terminal == 0 {
		return apperrors.Configuration(fmt.Sprintf("kind %s has no terminal state", kind))
	}

	// The initial state must either progress somewhere or be terminal
	// itself (single-state workflows are legal, if unusual).
	if len(wf.edges[wf.initial]) == 0 && len(wf.states) > 1 {
		return apperrors.Configuration(fmt.Sprintf(
			"kind %s initial state %s has no outgoing transition", kind, wf.initial))
	}

	if wf.onParentTerminal != "" && !wf.IsTerminal(wf.onParentTerminal) {
		return apperrors.Configuration(fmt.Sprintf(
			"kind %s on_parent_terminal state %s is not terminal", kind, wf.onParentTerminal))
	}

	return nil
}
