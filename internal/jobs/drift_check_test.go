package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/riverqueue/river"

	"flowgate.io/flowgate/internal/domain"
	"flowgate.io/flowgate/internal/journal"
	"flowgate.io/flowgate/internal/projection"
	"flowgate.io/flowgate/internal/registry"
	"flowgate.io/flowgate/internal/snapshot"
)

func TestDriftCheckArgsKind(t *testing.T) {
	t.Parallel()

	if got := (DriftCheckArgs{}).Kind(); got != "drift_check" {
		t.Fatalf("Kind() = %q, want %q", got, "drift_check")
	}
}

func TestDriftCheckArgsInsertOpts(t *testing.T) {
	t.Parallel()

	opts := (DriftCheckArgs{}).InsertOpts()
	if opts.Queue != river.QueueDefault {
		t.Fatalf("Queue = %q, want %q", opts.Queue, river.QueueDefault)
	}
	if opts.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d, want 3", opts.MaxAttempts)
	}
	if opts.UniqueOpts.ByPeriod != time.Minute {
		t.Fatalf("UniqueOpts.ByPeriod = %s, want %s", opts.UniqueOpts.ByPeriod, time.Minute)
	}
	if !opts.UniqueOpts.ByQueue {
		t.Fatal("UniqueOpts.ByQueue = false, want true")
	}
	if !opts.UniqueOpts.ByArgs {
		t.Fatal("UniqueOpts.ByArgs = false, want true")
	}
}

func TestDriftCheckWorkerWork_Uninitialized(t *testing.T) {
	t.Parallel()

	t.Run("nil receiver", func(t *testing.T) {
		var w *DriftCheckWorker
		err := w.Work(context.Background(), &river.Job[DriftCheckArgs]{})
		if err == nil || !strings.Contains(err.Error(), "not initialized") {
			t.Fatalf("Work() error = %v, want contains %q", err, "not initialized")
		}
	})

	t.Run("nil projector", func(t *testing.T) {
		w := &DriftCheckWorker{}
		err := w.Work(context.Background(), &river.Job[DriftCheckArgs]{})
		if err == nil || !strings.Contains(err.Error(), "not initialized") {
			t.Fatalf("Work() error = %v, want contains %q", err, "not initialized")
		}
	})
}

func TestDriftCheckWorkerWork_RepairsDrift(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := registry.New()
	if err := reg.Register(registry.Definition{
		Kind:    "order",
		States:  []domain.State{"draft", "confirmed"},
		Initial: "draft",
		Transitions: []registry.Transition{
			{From: "draft", To: "confirmed"},
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Seal(); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	store := snapshot.NewMemoryStore()
	jnl := journal.New(journal.NewMemoryStore())
	if _, err := jnl.Append(ctx, []journal.Entry{
		{EntityID: "ord-1", Kind: "order", To: "draft"},
		{EntityID: "ord-1", Kind: "order", From: "draft", To: "confirmed"},
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	now := time.Now().UTC()
	if err := store.Save(ctx, snapshot.Record{
		EntityID: "ord-1", Kind: "order", State: "draft", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	w := NewDriftCheckWorker(projection.New(store, jnl, reg, nil))
	job := &river.Job[DriftCheckArgs]{Args: DriftCheckArgs{EntityKind: "order", Repair: true}}
	if err := w.Work(ctx, job); err != nil {
		t.Fatalf("Work() error = %v", err)
	}

	rec, err := store.Load(ctx, "ord-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rec.State != "confirmed" {
		t.Fatalf("State = %q, want confirmed", rec.State)
	}
}
