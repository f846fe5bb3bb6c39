// Package jobs contains River background jobs for the reconciler.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"flowgate.io/flowgate/internal/domain"
	"flowgate.io/flowgate/internal/pkg/logger"
	"flowgate.io/flowgate/internal/projection"
)

// DriftCheckArgs sweeps one kind for snapshots that disagree with the
// journal.
type DriftCheckArgs struct {
	EntityKind string `json:"kind"`

	// Repair rematerializes drifted snapshots from the journal instead of
	// only reporting them.
	Repair bool `json:"repair"`
}

// Kind returns the job kind identifier for the drift sweep.
func (DriftCheckArgs) Kind() string { return "drift_check" }

// InsertOpts deduplicates sweeps: at most one pending job per kind.
func (DriftCheckArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 3,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// DriftCheckWorker replays journals against snapshots for one kind.
type DriftCheckWorker struct {
	river.WorkerDefaults[DriftCheckArgs]
	projector *projection.Projector
}

// NewDriftCheckWorker creates a drift check worker.
func NewDriftCheckWorker(projector *projection.Projector) *DriftCheckWorker {
	return &DriftCheckWorker{projector: projector}
}

// Work runs one sweep. Drift is always logged; repair failures fail the
// job so River retries it.
func (w *DriftCheckWorker) Work(ctx context.Context, job *river.Job[DriftCheckArgs]) error {
	if w == nil || w.projector == nil {
		return fmt.Errorf("drift check worker is not initialized")
	}

	kind := domain.Kind(job.Args.EntityKind)
	drifts, err := w.projector.CheckDrift(ctx, kind)
	if err != nil {
		return fmt.Errorf("check drift for kind %s: %w", kind, err)
	}
	if len(drifts) == 0 {
		logger.Debug("drift sweep clean", zap.String("kind", job.Args.EntityKind))
		return nil
	}

	for _, d := range drifts {
		logger.Warn("drift detected",
			zap.String("kind", job.Args.EntityKind),
			zap.String("entity_id", d.EntityID),
			zap.String("snapshot_state", string(d.SnapshotState)),
			zap.String("journal_state", string(d.JournalState)),
		)
		if !job.Args.Repair {
			continue
		}
		if err := w.projector.Repair(ctx, d.EntityID); err != nil {
			return fmt.Errorf("repair entity %s: %w", d.EntityID, err)
		}
	}

	logger.Info("drift sweep completed",
		zap.String("kind", job.Args.EntityKind),
		zap.Int("drifted", len(drifts)),
		zap.Bool("repaired", job.Args.Repair),
	)
	return nil
}
