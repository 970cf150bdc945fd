// Package store persists canonical permit records, the append-only status
// history, and per-source sync run audit rows. Two drivers are provided:
// Postgres (pgx) for shared deployments and SQLite for local runs.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/vectis-data/permit-sync/internal/config"
	"github.com/vectis-data/permit-sync/internal/model"
)

// PermitFilter specifies criteria for listing permits.
type PermitFilter struct {
	City   string     `json:"city,omitempty"`
	Tier   model.Tier `json:"tier,omitempty"`
	Status string     `json:"status,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}

// ChangeFilter specifies criteria for listing change events.
type ChangeFilter struct {
	City  string `json:"city,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// RunResult summarizes a completed sync run for the audit table.
type RunResult struct {
	Fetched  int `json:"fetched"`
	Upserted int `json:"upserted"`
	Changes  int `json:"changes"`
}

// SyncRun is one row of the sync_runs audit table.
type SyncRun struct {
	ID          int64      `json:"id"`
	Source      string     `json:"source"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Fetched     int        `json:"fetched"`
	Upserted    int        `json:"upserted"`
	Changes     int        `json:"changes"`
	Error       string     `json:"error,omitempty"`
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Permits. UpsertPermits keys on (city, permit_id); a batch must not
	// contain duplicate keys (the deduplicator guarantees this upstream).
	UpsertPermits(ctx context.Context, records []model.PermitRecord) (int64, error)
	StatusByKey(ctx context.Context, keys []model.PermitKey) (map[model.PermitKey]string, error)
	ListPermits(ctx context.Context, filter PermitFilter) ([]model.PermitRecord, error)

	// Change history. Append-only; write failures must be treated as
	// non-fatal by callers.
	AppendChangeEvents(ctx context.Context, events []model.ChangeEvent) error
	ListChangeEvents(ctx context.Context, filter ChangeFilter) ([]model.ChangeEvent, error)

	// Sync run audit.
	StartRun(ctx context.Context, source string) (int64, error)
	CompleteRun(ctx context.Context, runID int64, result RunResult) error
	FailRun(ctx context.Context, runID int64, errMsg string) error
	ListRuns(ctx context.Context, limit int) ([]SyncRun, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}

// Open constructs a Store from config.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL)
	case "sqlite", "":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
