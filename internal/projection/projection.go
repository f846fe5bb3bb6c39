// Package projection implements read-side queries over entity snapshots:
// status breakdowns, overdue and blocked listings, and drift verification
// of snapshots against the journal.
//
// Projections are derived data. Every query here can be recomputed from
// the snapshot store at any time; the cache only exists so dashboards do
// not rescan a kind on every poll.
package projection

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowgate.io/flowgate/internal/domain"
	"flowgate.io/flowgate/internal/journal"
	apperrors "flowgate.io/flowgate/internal/pkg/errors"
	"flowgate.io/flowgate/internal/pkg/logger"
	"flowgate.io/flowgate/internal/pkg/worker"
	"flowgate.io/flowgate/internal/registry"
	"flowgate.io/flowgate/internal/snapshot"
)

// DueDateFunc extracts a due date from an entity's attributes. ok is false
// when the entity has no deadline.
type DueDateFunc func(rec snapshot.Record) (time.Time, bool)

// BlockedFunc reports whether an entity is stuck waiting on something
// outside the workflow (an unpaid balance, a missing approval).
type BlockedFunc func(rec snapshot.Record) bool

// Drift describes one entity whose snapshot disagrees with its journal.
type Drift struct {
	EntityID      string
	Kind          domain.Kind
	SnapshotState domain.State
	JournalState  domain.State

	// Missing is true when the journal has entries but no snapshot exists,
	// the typical shape of a crash between append and materialization.
	Missing bool
}

// Projector answers read-side queries. Safe for concurrent use.
type Projector struct {
	snapshots snapshot.Store
	journal   *journal.Journal
	reg       *registry.Registry
	pools     *worker.Pools

	mu      sync.RWMutex
	dueFns  map[domain.Kind]DueDateFunc
	blocked map[domain.Kind]BlockedFunc
	stats   map[domain.Kind]map[domain.State]int
}

// New creates a Projector. pools may be nil; RefreshStats then computes
// inline.
func New(snapshots snapshot.Store, j *journal.Journal, reg *registry.Registry, pools *worker.Pools) *Projector {
	return &Projector{
		snapshots: snapshots,
		journal:   j,
		reg:       reg,
		pools:     pools,
		dueFns:    make(map[domain.Kind]DueDateFunc),
		blocked:   make(map[domain.Kind]BlockedFunc),
		stats:     make(map[domain.Kind]map[domain.State]int),
	}
}

// SetDueDate registers the deadline extractor for a kind.
func (p *Projector) SetDueDate(kind domain.Kind, fn DueDateFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dueFns[kind] = fn
}

// SetBlocked registers the blocked predicate for a kind.
func (p *Projector) SetBlocked(kind domain.Kind, fn BlockedFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked[kind] = fn
}

// StatsByStatus counts entities of a kind per state. Every declared state
// appears in the result, zero-valued when empty, so dashboards render a
// stable set of columns.
func (p *Projector) StatsByStatus(ctx context.Context, kind domain.Kind) (map[domain.State]int, error) {
	wf, ok := p.reg.Workflow(kind)
	if !ok {
		return nil, apperrors.Configuration("unknown kind " + string(kind))
	}

	recs, err := p.snapshots.ListByKind(ctx, kind)
	if err != nil {
		return nil, err
	}

	out := make(map[domain.State]int)
	for _, s := range wf.States() {
		out[s] = 0
	}
	for _, rec := range recs {
		out[rec.State]++
	}
	return out, nil
}

// CachedStats returns the last refreshed breakdown for a kind. ok is false
// when no refresh has completed yet.
func (p *Projector) CachedStats(kind domain.Kind) (map[domain.State]int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cached, ok := p.stats[kind]
	if !ok {
		return nil, false
	}
	out := make(map[domain.State]int, len(cached))
	for s, n := range cached {
		out[s] = n
	}
	return out, true
}

// RefreshStats recomputes the cached breakdown for a kind, on the
// projection pool when one is configured.
func (p *Projector) RefreshStats(ctx context.Context, kind domain.Kind) error {
	compute := func(taskCtx context.Context) {
		stats, err := p.StatsByStatus(taskCtx, kind)
		if err != nil {
			logger.Warn("Stats refresh failed",
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			return
		}
		p.mu.Lock()
		p.stats[kind] = stats
		p.mu.Unlock()
	}

	if p.pools != nil {
		return p.pools.SubmitDetached("projection", compute)
	}
	compute(ctx)
	return nil
}

// Overdue lists entities of a kind that are past their due date at asOf
// and not yet in a terminal state, ordered by due date then entity id.
// Kinds without a registered extractor have no deadlines and return nil.
func (p *Projector) Overdue(ctx context.Context, kind domain.Kind, asOf time.Time) ([]snapshot.Record, error) {
	wf, ok := p.reg.Workflow(kind)
	if !ok {
		return nil, apperrors.Configuration("unknown kind " + string(kind))
	}

	p.mu.RLock()
	dueFn := p.dueFns[kind]
	p.mu.RUnlock()
	if dueFn == nil {
		return nil, nil
	}

	recs, err := p.snapshots.ListByKind(ctx, kind)
	if err != nil {
		return nil, err
	}

	type dated struct {
		rec snapshot.Record
		due time.Time
	}
	var hits []dated
	for _, rec := range recs {
		if wf.IsTerminal(rec.State) {
			continue
		}
		due, ok := dueFn(rec)
		if !ok || !due.Before(asOf) {
			continue
		}
		hits = append(hits, dated{rec: rec, due: due})
	}
	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].due.Equal(hits[j].due) {
			return hits[i].due.Before(hits[j].due)
		}
		return hits[i].rec.EntityID < hits[j].rec.EntityID
	})

	out := make([]snapshot.Record, len(hits))
	for i, h := range hits {
		out[i] = h.rec
	}
	return out, nil
}

// Blocked lists non-terminal entities of a kind the registered predicate
// marks as stuck. Kinds without a predicate return nil.
func (p *Projector) Blocked(ctx context.Context, kind domain.Kind) ([]snapshot.Record, error) {
	wf, ok := p.reg.Workflow(kind)
	if !ok {
		return nil, apperrors.Configuration("unknown kind " + string(kind))
	}

	p.mu.RLock()
	blockedFn := p.blocked[kind]
	p.mu.RUnlock()
	if blockedFn == nil {
		return nil, nil
	}

	recs, err := p.snapshots.ListByKind(ctx, kind)
	if err != nil {
		return nil, err
	}

	var out []snapshot.Record
	for _, rec := range recs {
		if wf.IsTerminal(rec.State) {
			continue
		}
		if blockedFn(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// CheckDrift replays the journal for every entity of a kind and reports
// disagreements between the materialized snapshots and the fold. Entities
// that exist only in the journal, the shape left by a crash between append
// and snapshot save, surface as Missing drifts. An empty result means the
// read side is consistent.
func (p *Projector) CheckDrift(ctx context.Context, kind domain.Kind) ([]Drift, error) {
	recs, err := p.snapshots.ListByKind(ctx, kind)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(recs))
	var drifts []Drift
	for _, rec := range recs {
		seen[rec.EntityID] = true
		state, ok, err := p.journal.ReplayState(ctx, rec.EntityID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Snapshot without any journal entries. The journal is the
			// record of truth, so this snapshot is an orphan.
			drifts = append(drifts, Drift{
				EntityID:      rec.EntityID,
				Kind:          rec.Kind,
				SnapshotState: rec.State,
			})
			continue
		}
		if state != rec.State {
			drifts = append(drifts, Drift{
				EntityID:      rec.EntityID,
				Kind:          rec.Kind,
				SnapshotState: rec.State,
				JournalState:  state,
			})
		}
	}

	ids, err := p.journal.EntityIDs(ctx, kind)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		state, ok, err := p.journal.ReplayState(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		drifts = append(drifts, Drift{
			EntityID:     id,
			Kind:         kind,
			JournalState: state,
			Missing:      true,
		})
	}
	return drifts, nil
}

// CheckEntityDrift verifies one entity, including the missing snapshot
// case.
func (p *Projector) CheckEntityDrift(ctx context.Context, entityID string) (*Drift, error) {
	state, ok, err := p.journal.ReplayState(ctx, entityID)
	if err != nil {
		return nil, err
	}

	rec, err := p.snapshots.Load(ctx, entityID)
	if apperrors.HasCode(err, apperrors.CodeEntityNotFound) {
		if !ok {
			return nil, apperrors.EntityNotFound(entityID)
		}
		return &Drift{EntityID: entityID, JournalState: state, Missing: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if !ok || state != rec.State {
		return &Drift{
			EntityID:      entityID,
			Kind:          rec.Kind,
			SnapshotState: rec.State,
			JournalState:  state,
		}, nil
	}
	return nil, nil
}

// Repair rematerializes one drifted snapshot from the journal fold. State
// only; attributes are caller-owned and left as they are. A snapshot the
// journal knows about but the store has never seen is created from scratch.
func (p *Projector) Repair(ctx context.Context, entityID string) error {
	state, ok, err := p.journal.ReplayState(ctx, entityID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.EntityNotFound(entityID)
	}

	rec, err := p.snapshots.Load(ctx, entityID)
	if apperrors.HasCode(err, apperrors.CodeEntityNotFound) {
		return p.materialize(ctx, entityID, state)
	}
	if err != nil {
		return err
	}
	if rec.State == state {
		return nil
	}

	rec.State = state
	rec.UpdatedAt = time.Now().UTC()
	if err := p.snapshots.Save(ctx, rec); err != nil {
		return err
	}
	logger.Info("Snapshot repaired from journal",
		zap.String("entity_id", entityID),
		zap.String("state", string(state)),
	)
	return nil
}

// materialize builds a snapshot for an entity that exists only in the
// journal. Kind and creation time come from the first entry.
func (p *Projector) materialize(ctx context.Context, entityID string, state domain.State) error {
	var first, last journal.Entry
	n := 0
	for e, err := range p.journal.EntriesFor(ctx, entityID) {
		if err != nil {
			return err
		}
		if n == 0 {
			first = e
		}
		last = e
		n++
	}
	if n == 0 {
		return apperrors.EntityNotFound(entityID)
	}

	rec := snapshot.Record{
		EntityID:  entityID,
		Kind:      first.Kind,
		State:     state,
		CreatedAt: first.At,
		UpdatedAt: last.At,
	}
	if err := p.snapshots.Save(ctx, rec); err != nil {
		return err
	}
	logger.Info("Snapshot materialized from journal",
		zap.String("entity_id", entityID),
		zap.String("kind", string(rec.Kind)),
		zap.String("state", string(state)),
	)
	return nil
}
