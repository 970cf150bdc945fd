// Package sync orchestrates one ingestion pass: fetch, normalize, dedupe,
// classify, detect status changes, persist.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vectis-data/permit-sync/internal/classify"
	"github.com/vectis-data/permit-sync/internal/config"
	"github.com/vectis-data/permit-sync/internal/delta"
	"github.com/vectis-data/permit-sync/internal/model"
	"github.com/vectis-data/permit-sync/internal/normalize"
	"github.com/vectis-data/permit-sync/internal/source"
	"github.com/vectis-data/permit-sync/internal/store"
)

// Engine runs the ingestion pipeline across the configured sources. Each
// source is an isolated unit of work: one source failing never blocks the
// others, and every attempt is recorded in the sync_runs audit table.
type Engine struct {
	store      store.Store
	classifier *classify.Waterfall
	sources    []source.Source
	cfg        config.SyncConfig
	log        *zap.Logger
}

// New builds an Engine. A nil classifier skips classification entirely,
// which is useful for fetch-only dry runs.
func New(st store.Store, classifier *classify.Waterfall, sources []source.Source, cfg config.SyncConfig) *Engine {
	return &Engine{
		store:      st,
		classifier: classifier,
		sources:    sources,
		cfg:        cfg,
		log:        zap.L().With(zap.String("component", "sync")),
	}
}

// Summary aggregates per-source results for one engine run.
type Summary struct {
	Results map[string]store.RunResult
	Failed  []string
}

// Run syncs every source. Source failures are recorded and reported in the
// summary; Run returns an error only when no source succeeds.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	parallel := e.cfg.ParallelSources
	if parallel <= 0 {
		parallel = 1
	}

	var (
		mu      sync.Mutex
		summary = Summary{Results: make(map[string]store.RunResult, len(e.sources))}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, src := range e.sources {
		src := src
		g.Go(func() error {
			result, err := e.syncSource(gctx, src)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.log.Error("source sync failed",
					zap.String("source", src.Name()),
					zap.Error(err),
				)
				summary.Failed = append(summary.Failed, src.Name())
				return nil // isolate source failures
			}
			summary.Results[src.Name()] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return &summary, eris.Wrap(err, "sync: run group")
	}

	if len(summary.Results) == 0 && len(summary.Failed) > 0 {
		return &summary, eris.Errorf("sync: all %d sources failed", len(summary.Failed))
	}
	return &summary, nil
}

func (e *Engine) syncSource(ctx context.Context, src source.Source) (store.RunResult, error) {
	log := e.log.With(zap.String("source", src.Name()))
	var result store.RunResult

	runID, err := e.store.StartRun(ctx, src.Name())
	if err != nil {
		return result, eris.Wrap(err, "sync: start run")
	}

	daysBack := e.cfg.DaysBack
	if daysBack <= 0 {
		daysBack = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -daysBack)

	raw, err := src.Fetch(ctx, cutoff)
	if err != nil {
		e.failRun(ctx, runID, err)
		return result, eris.Wrap(err, "sync: fetch")
	}
	result.Fetched = len(raw)
	log.Info("fetched raw records", zap.Int("count", len(raw)))

	records := make([]model.PermitRecord, 0, len(raw))
	for _, r := range raw {
		rec := normalize.Normalize(src.Name(), r)
		if rec.PermitID == "" {
			continue // unidentifiable rows cannot be keyed or upserted
		}
		records = append(records, rec)
	}
	records = normalize.Dedupe(records)

	if e.classifier != nil {
		e.classifier.Run(ctx, records)
	}

	// Detect status transitions against stored state before the upsert
	// overwrites it. Delta detection degrades: a lookup failure drops the
	// events for this pass but never blocks the upsert.
	changes, err := delta.Detect(ctx, records, e.store.StatusByKey, delta.Options{
		LookupChunkSize: e.cfg.LookupChunkSize,
	})
	if err != nil {
		log.Warn("status change detection failed, skipping events", zap.Error(err))
		changes = nil
	}
	result.Changes = len(changes)

	// History is best-effort: a logging failure must not lose the permits.
	if err := e.store.AppendChangeEvents(ctx, changes); err != nil {
		log.Warn("failed to append change events", zap.Error(err))
	}

	upserted, err := e.store.UpsertPermits(ctx, records)
	if err != nil {
		e.failRun(ctx, runID, err)
		return result, eris.Wrap(err, "sync: upsert permits")
	}
	result.Upserted = int(upserted)

	if err := e.store.CompleteRun(ctx, runID, result); err != nil {
		return result, eris.Wrap(err, "sync: complete run")
	}

	log.Info("source sync complete",
		zap.Int("fetched", result.Fetched),
		zap.Int("upserted", result.Upserted),
		zap.Int("changes", result.Changes),
	)
	return result, nil
}

func (e *Engine) failRun(ctx context.Context, runID int64, cause error) {
	if err := e.store.FailRun(ctx, runID, cause.Error()); err != nil {
		e.log.Warn("failed to record run failure", zap.Int64("run_id", runID), zap.Error(err))
	}
}
