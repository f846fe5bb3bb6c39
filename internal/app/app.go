// Package app is the composition root. Bootstrap stays orchestration-only:
// it wires config, storage, the workflow registry, the engine and the
// reconciliation jobs together and owns their shutdown order.
package app

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"

	"flowgate.io/flowgate/internal/config"
	"flowgate.io/flowgate/internal/engine"
	"flowgate.io/flowgate/internal/graph"
	"flowgate.io/flowgate/internal/infrastructure"
	"flowgate.io/flowgate/internal/jobs"
	"flowgate.io/flowgate/internal/journal"
	"flowgate.io/flowgate/internal/pkg/worker"
	"flowgate.io/flowgate/internal/projection"
	"flowgate.io/flowgate/internal/registry"
	"flowgate.io/flowgate/internal/repository/pg"
)

// Options selects how the application is composed.
type Options struct {
	// Guards resolves guard names from the workflow definitions file.
	Guards registry.Guards

	// Authorizer is the actor capability check. nil means AllowAll.
	Authorizer engine.Authorizer

	// ReadOnly composes without an engine or worker pools. Used by the
	// reconciler, which replays and repairs but never requests
	// transitions.
	ReadOnly bool
}

// Application holds composed application dependencies.
type Application struct {
	Config    *config.Config
	DB        *infrastructure.DatabaseClients
	Pools     *worker.Pools
	Registry  *registry.Registry
	Journal   *journal.Journal
	Graph     *graph.Graph
	Engine    *engine.Engine
	Projector *projection.Projector
}

// Bootstrap initializes all dependencies using manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config, opts Options) (*Application, error) {
	var (
		reg *registry.Registry
		err error
	)
	if opts.ReadOnly {
		reg, err = registry.LoadFileReadOnly(cfg.Workflows.Path)
	} else {
		reg, err = registry.LoadFile(cfg.Workflows.Path, opts.Guards)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflows: %w", err)
	}

	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	jnl := journal.New(pg.NewJournalStore(db.Pool))
	snapshots := pg.NewSnapshotStore(db.Pool)
	relations := pg.NewRelationStore(db.Pool)

	app := &Application{
		Config:   cfg,
		DB:       db,
		Registry: reg,
		Journal:  jnl,
	}

	if opts.ReadOnly {
		app.Projector = projection.New(snapshots, jnl, reg, nil)
		return app, nil
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:    cfg.Worker.GeneralPoolSize,
		ProjectionPoolSize: cfg.Worker.ProjectionPoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}
	app.Pools = pools
	app.Projector = projection.New(snapshots, jnl, reg, pools)

	// Rebuild the relation graph from storage before anything can
	// transition.
	g := graph.New()
	rels, err := relations.ListRelations(ctx)
	if err != nil {
		app.Shutdown()
		return nil, fmt.Errorf("load relations: %w", err)
	}
	if err := g.Load(rels); err != nil {
		app.Shutdown()
		return nil, fmt.Errorf("rebuild relation graph: %w", err)
	}
	app.Graph = g

	auth := opts.Authorizer
	if auth == nil {
		auth = engine.AllowAll{}
	}
	eng, err := engine.New(reg, g, jnl, snapshots, auth, engine.Options{
		LockTimeout: cfg.Engine.LockTimeout,
		Relations:   relations,
		Pools:       pools,
	})
	if err != nil {
		app.Shutdown()
		return nil, fmt.Errorf("init engine: %w", err)
	}
	app.Engine = eng
	return app, nil
}

// StartReconciliation registers the drift worker and a periodic sweep per
// kind, then starts River. Call after Bootstrap on processes that own
// reconciliation.
func (a *Application) StartReconciliation(ctx context.Context) error {
	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewDriftCheckWorker(a.Projector))
	if err := a.DB.InitRiverClient(workers, a.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}

	for _, kind := range a.Registry.Kinds() {
		args := jobs.DriftCheckArgs{EntityKind: string(kind), Repair: a.Config.Reconciler.Repair}
		a.DB.RiverClient.PeriodicJobs().Add(river.NewPeriodicJob(
			river.PeriodicInterval(a.Config.Reconciler.Interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return args, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}

	if err := a.DB.RiverClient.Start(ctx); err != nil {
		return fmt.Errorf("start river: %w", err)
	}
	return nil
}

// StopReconciliation stops River gracefully.
func (a *Application) StopReconciliation(ctx context.Context) error {
	if a.DB == nil || a.DB.RiverClient == nil {
		return nil
	}
	return a.DB.RiverClient.Stop(ctx)
}

// Shutdown releases pools and closes the database.
func (a *Application) Shutdown() {
	if a.Pools != nil {
		a.Pools.Shutdown()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
