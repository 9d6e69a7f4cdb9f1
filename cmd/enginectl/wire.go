// Copyright 2025 James Ross
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmesh/engine/internal/cache"
	"github.com/taskmesh/engine/internal/config"
	"github.com/taskmesh/engine/internal/dag"
	"github.com/taskmesh/engine/internal/engineerr"
	"github.com/taskmesh/engine/internal/events"
	"github.com/taskmesh/engine/internal/queue"
	"github.com/taskmesh/engine/internal/redisclient"
	"github.com/taskmesh/engine/internal/retry"
	"github.com/taskmesh/engine/internal/router"
	"go.uber.org/zap"
)

// engine bundles every wired component enginectl drives.
type engine struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *cache.Store
	router *router.Router
	queue  *queue.Queue
	dag    *dag.Engine
	bus    events.Bus
	batch  *queue.BatchRunner
	cron   *queue.RecurringScheduler
	reaper *queue.Reaper
}

// wireEngine builds every component in dependency order: cache driver,
// retry resolver, event bus, provider router, job queue, DAG engine, then
// the batch/recurring/reaper helpers that ride on top of the queue.
func wireEngine(cfg *config.Config, log *zap.Logger) (*engine, error) {
	store, err := wireCacheStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("wiring cache store: %w", err)
	}

	resolver := retry.NewResolver(cfg)

	bus, err := wireEventBus(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("wiring event bus: %w", err)
	}
	store.AttachBus(bus)

	rt := router.NewRouter(cfg.Router, log)
	wireDemoProviders(rt)

	q := queue.NewQueue(log, resolver, bus, cachingExecutor(store, rt, log), cfg.Queue.WorkerFanout, queue.HealthThresholds(cfg.Queue.HealthThresholds))
	dagEngine := dag.NewEngine(q, bus, log)
	q.SetWorkflowCancelledCheck(dagEngine.IsWorkflowCancelled)

	return &engine{
		cfg:    cfg,
		log:    log,
		store:  store,
		router: rt,
		queue:  q,
		dag:    dagEngine,
		bus:    bus,
		batch:  queue.NewBatchRunner(q),
		cron:   queue.NewRecurringScheduler(q, log),
		reaper: queue.NewReaper(q, cfg.Queue.ReaperInterval, cfg.Queue.ReaperGrace, log),
	}, nil
}

// wireCacheStore picks the concrete Driver named by cfg.Cache.Backend
// rather than compiling one backend in.
func wireCacheStore(cfg *config.Config, log *zap.Logger) (*cache.Store, error) {
	var driver cache.Driver
	switch cfg.Cache.Backend {
	case "", "memory":
		driver = cache.NewMemoryDriver(cfg.Cache.SweepInterval)
	case "redis":
		rdb := redisclient.New(cfg.Cache.Redis)
		driver = cache.NewRedisDriver(rdb, "engine:cache:")
	case "postgres":
		d, err := cache.NewPostgresDriver(cfg.Cache.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		driver = d
	case "sqlite":
		d, err := cache.NewSQLiteDriver(cfg.Cache.SQLitePath)
		if err != nil {
			return nil, err
		}
		driver = d
	case "s3":
		d, err := cache.NewS3BlobDriver(cfg.Cache.S3.Bucket, cfg.Cache.S3.Prefix, cfg.Cache.S3.Region)
		if err != nil {
			return nil, err
		}
		driver = d
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
	return cache.NewStore(driver, log, cfg.Cache.CompressionThreshold, cfg.Cache.DefaultCompression), nil
}

// wireEventBus picks the in-process bus by default and a shared NATS bus
// when an operator points multiple enginectl processes at the same
// subject space.
func wireEventBus(cfg *config.Config, log *zap.Logger) (events.Bus, error) {
	switch cfg.Events.Backend {
	case "", "inproc":
		return events.NewInProcBus(log), nil
	case "nats":
		return events.NewNATSBus(cfg.Events.NATSURL, log)
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
}

// demoProvider is a placeholder Provider registered so enginectl can
// dispatch and complete jobs end to end without a real provider SDK wired
// in. Deployments register their own providers instead.
type demoProvider struct {
	id string
}

func (p demoProvider) ID() string                      { return p.id }
func (p demoProvider) Weight() float64                 { return 1 }
func (p demoProvider) CostFactor() float64             { return 1 }
func (p demoProvider) CostSensitivity() float64        { return 0 }
func (p demoProvider) Probe(ctx context.Context) error { return nil }

func wireDemoProviders(rt *router.Router) {
	rt.Register(demoProvider{id: "local"})
}

// cachingExecutor is the Queue's Executor: it checks the cache store
// before routing, and stores the routed result afterward. Lookups and
// stores use the same (type, payload, provider) tuple and no per-job key
// suffix, so content-identical jobs share entries.
func cachingExecutor(store *cache.Store, rt *router.Router, log *zap.Logger) queue.Executor {
	return func(ctx context.Context, job *queue.Job) (any, error) {
		if result, ok := store.Get(job.Type, job.Payload, "", job.ProviderID); ok {
			return result, nil
		}

		req := router.Request{Type: job.Type}
		if job.ProviderID != "" {
			req.PreferredProviders = []string{job.ProviderID}
		}

		res, err := rt.Execute(ctx, req, func(ctx context.Context, providerID string) (any, error) {
			return executeJob(ctx, job, providerID)
		})
		if err != nil {
			return nil, err
		}

		store.Set(job.Type, job.Payload, res.Value, "", job.ProviderID, cache.Policy{
			TTL:          10 * time.Minute,
			Tags:         []string{"type:" + job.Type},
			Dependencies: upstreamJobIDs(job),
		})
		return res.Value, nil
	}
}

// upstreamJobIDs lists the ids this job's cached result depends on, so a
// dependency invalidation for an upstream job clears the downstream
// entry too.
func upstreamJobIDs(job *queue.Job) []string {
	if job.DAG == nil {
		return nil
	}
	ids := make([]string, 0, len(job.DAG.UpstreamResults))
	for parent := range job.DAG.UpstreamResults {
		ids = append(ids, parent)
	}
	return ids
}

// executeJob is the placeholder work function a demonstration provider
// performs; real deployments replace this with a call out to whatever
// system the registered Provider fronts.
func executeJob(ctx context.Context, job *queue.Job, providerID string) (any, error) {
	if job.Type == "" {
		return nil, engineerr.New(engineerr.InvalidInput, "job has no type")
	}
	return map[string]any{
		"jobType":    job.Type,
		"providerID": providerID,
		"upstream":   upstreamOf(job),
	}, nil
}

func upstreamOf(job *queue.Job) map[string]any {
	if job.DAG == nil {
		return nil
	}
	return job.DAG.UpstreamResults
}
