// Package engine implements the transition validator, the single write
// path for entity state. Every state change flows through
// RequestTransition: edge lookup against the sealed registry, guard
// evaluation, actor authorization, cascade planning over the referential
// graph, journal append, snapshot update, event dispatch. Nothing else in
// the process mutates entity state.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowgate.io/flowgate/internal/domain"
	"flowgate.io/flowgate/internal/graph"
	"flowgate.io/flowgate/internal/journal"
	apperrors "flowgate.io/flowgate/internal/pkg/errors"
	"flowgate.io/flowgate/internal/pkg/logger"
	"flowgate.io/flowgate/internal/pkg/worker"
	"flowgate.io/flowgate/internal/registry"
	"flowgate.io/flowgate/internal/snapshot"
)

// Authorizer is the capability check supplied by the external auth
// collaborator. The engine never interprets actors itself.
type Authorizer interface {
	CanPerform(ctx context.Context, actor string, kind domain.Kind, from, to domain.State) bool
}

// AllowAll authorizes every actor. Useful for tests and trusted embedders.
type AllowAll struct{}

// CanPerform implements Authorizer.
func (AllowAll) CanPerform(context.Context, string, domain.Kind, domain.State, domain.State) bool {
	return true
}

// DefaultLockTimeout bounds per-entity lock acquisition before BUSY.
const DefaultLockTimeout = 3 * time.Second

// Options tunes engine behavior.
type Options struct {
	// LockTimeout bounds lock acquisition; zero means DefaultLockTimeout.
	LockTimeout time.Duration

	// Relations mirrors graph edits to durable storage. Optional.
	Relations graph.RelationStore

	// Pools, when set, carries event dispatch off the request path.
	Pools *worker.Pools

	// Clock overrides the time source. Tests only.
	Clock func() time.Time
}

// Engine orchestrates transitions. Safe for concurrent use; transitions on
// independent entities never block each other.
type Engine struct {
	reg         *registry.Registry
	graph       *graph.Graph
	journal     *journal.Journal
	snapshots   snapshot.Store
	auth        Authorizer
	dispatcher  *domain.Dispatcher
	relStore    graph.RelationStore
	pools       *worker.Pools
	locks       *lockTable
	lockTimeout time.Duration
	now         func() time.Time
}

// New creates an Engine. The registry must already be sealed: operating on
// a mutable registry is an ordering bug, refused at construction.
func New(
	reg *registry.Registry,
	g *graph.Graph,
	j *journal.Journal,
	snapshots snapshot.Store,
	auth Authorizer,
	opts Options,
) (*Engine, error) {
	if !reg.Sealed() {
		return nil, apperrors.Configuration("engine requires a sealed registry")
	}
	if auth == nil {
		return nil, apperrors.Configuration("engine requires an authorizer")
	}
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Engine{
		reg:         reg,
		graph:       g,
		journal:     j,
		snapshots:   snapshots,
		auth:        auth,
		dispatcher:  domain.NewDispatcher(),
		relStore:    opts.Relations,
		pools:       opts.Pools,
		locks:       newLockTable(),
		lockTimeout: timeout,
		now:         now,
	}, nil
}

// Dispatcher exposes the transition event dispatcher for subscriber
// registration at startup.
func (e *Engine) Dispatcher() *domain.Dispatcher {
	return e.dispatcher
}

// Registry returns the sealed registry the engine validates against.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// Graph returns the referential graph.
func (e *Engine) Graph() *graph.Graph {
	return e.graph
}

// Request asks for one state transition.
type Request struct {
	EntityID    string
	Kind        domain.Kind
	TargetState domain.State
	Actor       string
	Reason      string

	// Context carries guard inputs (e.g. {"amount_due": 0}).
	Context map[string]any
}

// Outcome classifies an accepted request.
type Outcome string

const (
	// OutcomeAccepted means the transition was journaled and applied.
	OutcomeAccepted Outcome = "accepted"

	// OutcomeNoop means the entity was already in the target state; the
	// retried request succeeded without touching the journal.
	OutcomeNoop Outcome = "noop"
)

// Cascaded describes one forced child transition applied with the request.
type Cascaded struct {
	EntityID string
	Kind     domain.Kind
	From     domain.State
	To       domain.State
	Seq      uint64
}

// Result reports an accepted request. Rejections are returned as typed
// errors instead.
type Result struct {
	Outcome  Outcome
	EntityID string
	From     domain.State
	To       domain.State
	Seq      uint64
	Cascaded []Cascaded
}

// CreateEntity places a new entity in its kind's initial state, journals
// the creation and materializes the first snapshot. Attrs are stored
// verbatim for projections; the engine does not interpret them.
func (e *Engine) CreateEntity(ctx context.Context, id string, kind domain.Kind, actor string, attrs map[string]any) (Result, error) {
	wf, ok := e.reg.Workflow(kind)
	if !ok {
		return Result{}, apperrors.Configuration(fmt.Sprintf("unknown kind %s", kind))
	}
	if id == "" {
		id = uuid.New().String()
	}

	if err := e.locks.acquire(ctx, id, e.lockTimeout); err != nil {
		return Result{}, err
	}
	defer e.locks.release(id)

	if _, err := e.snapshots.Load(ctx, id); err == nil {
		return Result{}, apperrors.AlreadyExists(id)
	} else if !apperrors.HasCode(err, apperrors.CodeEntityNotFound) {
		return Result{}, err
	}

	entries, err := e.journal.Append(ctx, []journal.Entry{{
		EntityID: id,
		Kind:     kind,
		To:       wf.Initial(),
		Actor:    actor,
	}})
	if err != nil {
		return Result{}, apperrors.Internal("journal append failed", err)
	}

	now := e.now().UTC()
	if err := e.snapshots.Save(ctx, snapshot.Record{
		EntityID:  id,
		Kind:      kind,
		State:     wf.Initial(),
		Attrs:     attrs,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		// The creation entry is durable; the reconciler will rebuild the
		// snapshot. Callers must re-query before retrying.
		logger.Error("snapshot save failed after journal append",
			zap.String("entity_id", id),
			zap.Error(err),
		)
		return Result{}, apperrors.Internal("snapshot save failed, outcome unknown", err)
	}

	res := Result{
		Outcome:  OutcomeAccepted,
		EntityID: id,
		To:       wf.Initial(),
		Seq:      entries[0].Seq,
	}
	e.publish(ctx, &domain.TransitionEvent{
		EventID:  entries[0].ID,
		Type:     domain.EventEntityCreated,
		EntityID: id,
		Kind:     kind,
		To:       wf.Initial(),
		Actor:    actor,
		Seq:      entries[0].Seq,
		At:       entries[0].At,
	})
	return res, nil
}

// RequestTransition validates and applies one transition.
//
// Acceptance runs guard evaluation, authorization and cascade planning
// under the entity's exclusive lock, then appends the whole batch to the
// journal and updates snapshots. Either every forced child transition is
// admissible or the request fails with CASCADE_FAILED and nothing changes.
func (e *Engine) RequestTransition(ctx context.Context, req Request) (Result, error) {
	wf, ok := e.reg.Workflow(req.Kind)
	if !ok {
		return Result{}, apperrors.Configuration(fmt.Sprintf("unknown kind %s", req.Kind))
	}
	if err := e.locks.acquire(ctx, req.EntityID, e.lockTimeout); err != nil {
		return Result{}, err
	}
	defer e.locks.release(req.EntityID)

	rec, err := e.snapshots.Load(ctx, req.EntityID)
	if err != nil {
		return Result{}, err
	}
	if rec.Kind != req.Kind {
		return Result{}, apperrors.New(apperrors.CodeInvalidTransition,
			fmt.Sprintf("entity %s is kind %s, not %s", req.EntityID, rec.Kind, req.Kind),
			http.StatusUnprocessableEntity)
	}

	// Retried client requests land here: already in the target state is
	// a no-op success, and the journal is not touched.
	if rec.State == req.TargetState {
		return Result{
			Outcome:  OutcomeNoop,
			EntityID: req.EntityID,
			From:     rec.State,
			To:       rec.State,
		}, nil
	}

	if !wf.HasState(req.TargetState) {
		return Result{}, apperrors.InvalidTransition(string(req.Kind), string(rec.State), string(req.TargetState))
	}

	rule, ok := wf.Rule(rec.State, req.TargetState)
	if !ok {
		return Result{}, apperrors.InvalidTransition(string(req.Kind), string(rec.State), string(req.TargetState))
	}

	gc := registry.GuardContext{
		EntityID: req.EntityID,
		Kind:     req.Kind,
		From:     rec.State,
		To:       req.TargetState,
		Actor:    req.Actor,
		Values:   req.Context,
	}
	if rule.Guard != nil {
		if gerr := rule.Guard(ctx, gc); gerr != nil {
			return Result{}, apperrors.GuardFailed(gerr)
		}
	}

	if !e.auth.CanPerform(ctx, req.Actor, req.Kind, rec.State, req.TargetState) {
		return Result{}, apperrors.Unauthorized(req.Actor)
	}

	// A terminal target pulls composition descendants along.
	var plan []graph.Forced
	if wf.IsTerminal(req.TargetState) && e.graph != nil {
		plan, err = e.cascadePlan(ctx, req.EntityID)
		if err != nil {
			return Result{}, err
		}
	}

	var releaseChildren func()
	if len(plan) > 0 {
		ids := make([]string, 0, len(plan))
		for _, f := range plan {
			ids = append(ids, f.EntityID)
		}
		releaseChildren, err = e.locks.acquireAll(ctx, ids, e.lockTimeout)
		if err != nil {
			return Result{}, err
		}
		defer releaseChildren()

		// Descendant states may have moved between planning and locking;
		// confirm every forced transition against the state now pinned by
		// its lock before anything is journaled.
		plan, err = e.confirmCascade(ctx, plan, req.Actor)
		if err != nil {
			return Result{}, err
		}
	}

	batch := make([]journal.Entry, 0, 1+len(plan))
	batch = append(batch, journal.Entry{
		EntityID: req.EntityID,
		Kind:     req.Kind,
		From:     rec.State,
		To:       req.TargetState,
		Actor:    req.Actor,
		Reason:   req.Reason,
	})
	cascadeReason := fmt.Sprintf("cascade from %s", req.EntityID)
	for _, f := range plan {
		batch = append(batch, journal.Entry{
			EntityID: f.EntityID,
			Kind:     f.Kind,
			From:     f.From,
			To:       f.To,
			Actor:    req.Actor,
			Reason:   cascadeReason,
		})
	}

	entries, err := e.journal.Append(ctx, batch)
	if err != nil {
		return Result{}, apperrors.Internal("journal append failed", err)
	}

	if err := e.applySnapshots(ctx, rec, req.TargetState, plan); err != nil {
		logger.Error("snapshot save failed after journal append",
			zap.String("entity_id", req.EntityID),
			zap.Error(err),
		)
		return Result{}, apperrors.Internal("snapshot save failed, outcome unknown", err)
	}

	res := Result{
		Outcome:  OutcomeAccepted,
		EntityID: req.EntityID,
		From:     rec.State,
		To:       req.TargetState,
		Seq:      entries[0].Seq,
	}
	for i, f := range plan {
		res.Cascaded = append(res.Cascaded, Cascaded{
			EntityID: f.EntityID,
			Kind:     f.Kind,
			From:     f.From,
			To:       f.To,
			Seq:      entries[i+1].Seq,
		})
	}

	e.publish(ctx, &domain.TransitionEvent{
		EventID:  entries[0].ID,
		Type:     domain.EventStateTransition,
		EntityID: req.EntityID,
		Kind:     req.Kind,
		From:     rec.State,
		To:       req.TargetState,
		Actor:    req.Actor,
		Seq:      entries[0].Seq,
		Reason:   req.Reason,
		At:       entries[0].At,
	})
	for i, f := range plan {
		e.publish(ctx, &domain.TransitionEvent{
			EventID:  entries[i+1].ID,
			Type:     domain.EventCascadeForced,
			EntityID: f.EntityID,
			Kind:     f.Kind,
			From:     f.From,
			To:       f.To,
			Actor:    req.Actor,
			Seq:      entries[i+1].Seq,
			Reason:   cascadeReason,
			At:       entries[i+1].At,
		})
	}

	logger.Info("transition accepted",
		zap.String("entity_id", req.EntityID),
		zap.String("kind", string(req.Kind)),
		zap.String("from", string(rec.State)),
		zap.String("to", string(req.TargetState)),
		zap.String("actor", req.Actor),
		zap.Int("cascaded", len(plan)),
	)
	return res, nil
}

// cascadePlan resolves descendant states through the snapshot store.
func (e *Engine) cascadePlan(ctx context.Context, parentID string) ([]graph.Forced, error) {
	lookup := func(id string) (domain.Kind, domain.State, bool) {
		rec, err := e.snapshots.Load(ctx, id)
		if err != nil {
			return "", "", false
		}
		return rec.Kind, rec.State, true
	}
	return e.graph.CascadePlan(parentID, lookup, e.reg)
}

// confirmCascade re-reads each planned descendant under its held lock and
// recomputes the forced transition from its current state. Children that
// reached a terminal state since planning are dropped. Any child whose
// forced edge is undeclared or guarded shut aborts the whole request.
func (e *Engine) confirmCascade(ctx context.Context, plan []graph.Forced, actor string) ([]graph.Forced, error) {
	confirmed := make([]graph.Forced, 0, len(plan))
	for _, f := range plan {
		rec, err := e.snapshots.Load(ctx, f.EntityID)
		if err != nil {
			return nil, apperrors.CascadeFailed(f.EntityID, err)
		}
		childWf, ok := e.reg.Workflow(rec.Kind)
		if !ok {
			return nil, apperrors.CascadeFailed(f.EntityID, apperrors.Configuration(fmt.Sprintf("unknown kind %s", rec.Kind)))
		}
		if childWf.IsTerminal(rec.State) {
			continue
		}
		forced, ok := childWf.OnParentTerminal()
		if !ok {
			return nil, apperrors.CascadeFailed(f.EntityID, apperrors.Configuration(fmt.Sprintf(
				"kind %s participates in a composition but declares no on_parent_terminal state", rec.Kind)))
		}
		f.Kind = rec.Kind
		f.From = rec.State
		f.To = forced
		rule, ok := childWf.Rule(f.From, f.To)
		if !ok {
			return nil, apperrors.CascadeFailed(f.EntityID,
				apperrors.InvalidTransition(string(f.Kind), string(f.From), string(f.To)))
		}
		if rule.Guard != nil {
			if gerr := rule.Guard(ctx, registry.GuardContext{
				EntityID: f.EntityID,
				Kind:     f.Kind,
				From:     f.From,
				To:       f.To,
				Actor:    actor,
			}); gerr != nil {
				return nil, apperrors.CascadeFailed(f.EntityID, apperrors.GuardFailed(gerr))
			}
		}
		confirmed = append(confirmed, f)
	}
	return confirmed, nil
}

// applySnapshots materializes the parent and every cascaded child.
func (e *Engine) applySnapshots(ctx context.Context, parent snapshot.Record, target domain.State, plan []graph.Forced) error {
	now := e.now().UTC()
	parent.State = target
	parent.UpdatedAt = now
	recs := []snapshot.Record{parent}

	for _, f := range plan {
		childRec, err := e.snapshots.Load(ctx, f.EntityID)
		if err != nil {
			return err
		}
		childRec.State = f.To
		childRec.UpdatedAt = now
		recs = append(recs, childRec)
	}
	return e.snapshots.SaveAll(ctx, recs)
}

// publish hands the event to subscribers, off the request path when a
// worker pool is configured.
func (e *Engine) publish(ctx context.Context, ev *domain.TransitionEvent) {
	if e.pools != nil {
		if err := e.pools.SubmitDetached("general", func(taskCtx context.Context) {
			_ = e.dispatcher.Dispatch(taskCtx, ev)
		}); err == nil {
			return
		}
		// Pool saturated or closed; fall through to inline dispatch.
	}
	_ = e.dispatcher.Dispatch(ctx, ev)
}

// Entity returns the current read model for id.
func (e *Engine) Entity(ctx context.Context, id string) (domain.Entity, error) {
	rec, err := e.snapshots.Load(ctx, id)
	if err != nil {
		return domain.Entity{}, err
	}
	return domain.Entity{
		ID:        rec.EntityID,
		Kind:      rec.Kind,
		State:     rec.State,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// UpdateAttrs merges caller-owned attributes into the entity's snapshot
// under the entity lock. State is untouched: attributes feed guards and
// projections, not the lifecycle.
func (e *Engine) UpdateAttrs(ctx context.Context, id string, attrs map[string]any) error {
	if err := e.locks.acquire(ctx, id, e.lockTimeout); err != nil {
		return err
	}
	defer e.locks.release(id)

	rec, err := e.snapshots.Load(ctx, id)
	if err != nil {
		return err
	}
	if rec.Attrs == nil {
		rec.Attrs = make(map[string]any, len(attrs))
	}
	for k, v := range attrs {
		rec.Attrs[k] = v
	}
	rec.UpdatedAt = e.now().UTC()
	return e.snapshots.Save(ctx, rec)
}

// AddRelation links child under parent after compatibility checks:
// both entities must exist, and a reference target must still be in a
// non-terminal state (an invoice cannot reference a cancelled order).
func (e *Engine) AddRelation(ctx context.Context, parentID, childID string, kind domain.RelationKind) error {
	if parentID == childID {
		return apperrors.CycleDetected(parentID, childID)
	}
	// Hold both entity locks so the compatibility check and the insert see
	// states no concurrent transition can move underneath them.
	release, err := e.locks.acquireAll(ctx, []string{parentID, childID}, e.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	parent, err := e.snapshots.Load(ctx, parentID)
	if err != nil {
		return err
	}
	child, err := e.snapshots.Load(ctx, childID)
	if err != nil {
		return err
	}

	parentWf, ok := e.reg.Workflow(parent.Kind)
	if !ok {
		return apperrors.Configuration(fmt.Sprintf("unknown kind %s", parent.Kind))
	}
	childWf, ok := e.reg.Workflow(child.Kind)
	if !ok {
		return apperrors.Configuration(fmt.Sprintf("unknown kind %s", child.Kind))
	}

	switch kind {
	case domain.RelationReference:
		if parentWf.IsTerminal(parent.State) {
			return apperrors.New(apperrors.CodeReferenceIncompatible,
				fmt.Sprintf("cannot reference %s in terminal state %s", parentID, parent.State),
				http.StatusConflict)
		}
	case domain.RelationComposition:
		// Fail early instead of at cascade time.
		if _, ok := childWf.OnParentTerminal(); !ok {
			return apperrors.Configuration(fmt.Sprintf(
				"kind %s cannot be a composition child: no on_parent_terminal state", child.Kind))
		}
	}

	if err := e.graph.AddRelation(parentID, childID, kind); err != nil {
		return err
	}
	if e.relStore != nil {
		if err := e.relStore.SaveRelation(ctx, domain.Relation{ParentID: parentID, ChildID: childID, Kind: kind}); err != nil {
			// Keep graph and store consistent.
			_ = e.graph.RemoveRelation(parentID, childID)
			return apperrors.Internal("persist relation", err)
		}
	}
	return nil
}

// RemoveRelation unlinks child from parent.
func (e *Engine) RemoveRelation(ctx context.Context, parentID, childID string) error {
	if err := e.graph.RemoveRelation(parentID, childID); err != nil {
		return err
	}
	if e.relStore != nil {
		if err := e.relStore.DeleteRelation(ctx, parentID, childID); err != nil {
			return apperrors.Internal("delete relation", err)
		}
	}
	return nil
}
