package store

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/vectis-data/permit-sync/internal/db"
	"github.com/vectis-data/permit-sync/internal/model"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres connects to the given Postgres URL and verifies the connection.
func NewPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS permits (
	city             TEXT NOT NULL,
	permit_id        TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT 'No Description',
	valuation        DOUBLE PRECISION NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'Unknown',
	applied_date     DATE,
	issued_date      DATE,
	processing_days  INTEGER,
	complexity_tier  TEXT NOT NULL DEFAULT 'Unknown',
	project_category TEXT,
	ai_rationale     TEXT,
	dates_corrected  BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (city, permit_id)
);

CREATE TABLE IF NOT EXISTS permit_history_log (
	id              UUID PRIMARY KEY,
	city            TEXT NOT NULL,
	permit_id       TEXT NOT NULL,
	previous_status TEXT NOT NULL,
	new_status      TEXT NOT NULL,
	changed_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	source       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	fetched      BIGINT NOT NULL DEFAULT 0,
	upserted     BIGINT NOT NULL DEFAULT 0,
	changes      BIGINT NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_permits_tier ON permits(complexity_tier);
CREATE INDEX IF NOT EXISTS idx_permits_city ON permits(city);
CREATE INDEX IF NOT EXISTS idx_history_key ON permit_history_log(city, permit_id);
CREATE INDEX IF NOT EXISTS idx_sync_runs_source ON sync_runs(source);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var permitColumns = []string{
	"city", "permit_id", "description", "valuation", "status",
	"applied_date", "issued_date", "processing_days",
	"complexity_tier", "project_category", "ai_rationale", "dates_corrected",
	"updated_at",
}

func (s *PostgresStore) UpsertPermits(ctx context.Context, records []model.PermitRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(records))
	for i := range records {
		r := &records[i]
		rows = append(rows, []any{
			r.City, r.PermitID, r.Description, r.Valuation, r.Status,
			r.AppliedDate, r.IssuedDate, r.ProcessingDays,
			string(r.Tier), nullString(string(r.Category)), nullString(r.AIRationale),
			r.DatesCorrected, now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "permits",
		Columns:      permitColumns,
		ConflictKeys: []string{"city", "permit_id"},
		UpdateCols: []string{
			"description", "valuation", "status",
			"applied_date", "issued_date", "processing_days",
			"complexity_tier", "project_category", "ai_rationale", "dates_corrected",
			"updated_at",
		},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert permits")
}

func (s *PostgresStore) StatusByKey(ctx context.Context, keys []model.PermitKey) (map[model.PermitKey]string, error) {
	result := make(map[model.PermitKey]string, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	cities := make([]string, 0, len(keys))
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		cities = append(cities, k.City)
		ids = append(ids, k.PermitID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT p.city, p.permit_id, p.status
		 FROM permits p
		 JOIN unnest($1::text[], $2::text[]) AS k(city, permit_id)
		   ON p.city = k.city AND p.permit_id = k.permit_id`,
		cities, ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: status lookup")
	}
	defer rows.Close()

	for rows.Next() {
		var k model.PermitKey
		var status string
		if err := rows.Scan(&k.City, &k.PermitID, &status); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status row")
		}
		result[k] = status
	}
	return result, eris.Wrap(rows.Err(), "postgres: status lookup iterate")
}

func (s *PostgresStore) ListPermits(ctx context.Context, filter PermitFilter) ([]model.PermitRecord, error) {
	query := `SELECT city, permit_id, description, valuation, status,
		applied_date, issued_date, processing_days,
		complexity_tier, project_category, ai_rationale, dates_corrected
		FROM permits WHERE 1=1`
	var args []any

	if filter.City != "" {
		args = append(args, filter.City)
		query += ` AND city = $` + strconv.Itoa(len(args))
	}
	if filter.Tier != "" {
		args = append(args, string(filter.Tier))
		query += ` AND complexity_tier = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY issued_date DESC NULLS LAST`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list permits")
	}
	defer rows.Close()

	var permits []model.PermitRecord
	for rows.Next() {
		r, err := scanPostgresPermit(rows)
		if err != nil {
			return nil, err
		}
		permits = append(permits, *r)
	}
	return permits, eris.Wrap(rows.Err(), "postgres: list permits iterate")
}

func (s *PostgresStore) AppendChangeEvents(ctx context.Context, events []model.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(events))
	for i := range events {
		e := &events[i]
		rows = append(rows, []any{e.ID, e.City, e.PermitID, e.PreviousStatus, e.NewStatus, e.ChangedAt.UTC()})
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"permit_history_log"},
		[]string{"id", "city", "permit_id", "previous_status", "new_status", "changed_at"},
		pgx.CopyFromRows(rows),
	)
	return eris.Wrap(err, "postgres: append change events")
}

func (s *PostgresStore) ListChangeEvents(ctx context.Context, filter ChangeFilter) ([]model.ChangeEvent, error) {
	query := `SELECT id, city, permit_id, previous_status, new_status, changed_at
		FROM permit_history_log WHERE 1=1`
	var args []any

	if filter.City != "" {
		args = append(args, filter.City)
		query += ` AND city = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY changed_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list change events")
	}
	defer rows.Close()

	var events []model.ChangeEvent
	for rows.Next() {
		var e model.ChangeEvent
		if err := rows.Scan(&e.ID, &e.City, &e.PermitID, &e.PreviousStatus, &e.NewStatus, &e.ChangedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan change event")
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list change events iterate")
}

func (s *PostgresStore) StartRun(ctx context.Context, source string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sync_runs (source, status, started_at) VALUES ($1, 'running', now()) RETURNING id`,
		source,
	).Scan(&id)
	return id, eris.Wrapf(err, "postgres: start run for %s", source)
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID int64, result RunResult) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET status = 'complete', completed_at = now(), fetched = $1, upserted = $2, changes = $3 WHERE id = $4`,
		result.Fetched, result.Upserted, result.Changes, runID,
	)
	return eris.Wrapf(err, "postgres: complete run %d", runID)
}

func (s *PostgresStore) FailRun(ctx context.Context, runID int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET status = 'failed', completed_at = now(), error = $1 WHERE id = $2`,
		errMsg, runID,
	)
	return eris.Wrapf(err, "postgres: fail run %d", runID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source, status, started_at, completed_at, fetched, upserted, changes, error
		 FROM sync_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var r SyncRun
		var errStr *string
		if err := rows.Scan(&r.ID, &r.Source, &r.Status, &r.StartedAt, &r.CompletedAt, &r.Fetched, &r.Upserted, &r.Changes, &errStr); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if errStr != nil {
			r.Error = *errStr
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPostgresPermit(rows pgx.Rows) (*model.PermitRecord, error) {
	var r model.PermitRecord
	var category, rationale *string
	var tier string

	err := rows.Scan(&r.City, &r.PermitID, &r.Description, &r.Valuation, &r.Status,
		&r.AppliedDate, &r.IssuedDate, &r.ProcessingDays,
		&tier, &category, &rationale, &r.DatesCorrected)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan permit")
	}

	r.Tier, _ = model.ParseTier(tier)
	if category != nil {
		r.Category = model.Category(*category)
	}
	if rationale != nil {
		r.AIRationale = *rationale
	}
	return &r, nil
}
