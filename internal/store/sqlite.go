package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/vectis-data/permit-sync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS permits (
	city             TEXT NOT NULL,
	permit_id        TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT 'No Description',
	valuation        REAL NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'Unknown',
	applied_date     TEXT,
	issued_date      TEXT,
	processing_days  INTEGER,
	complexity_tier  TEXT NOT NULL DEFAULT 'Unknown',
	project_category TEXT,
	ai_rationale     TEXT,
	dates_corrected  INTEGER NOT NULL DEFAULT 0,
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (city, permit_id)
);

CREATE TABLE IF NOT EXISTS permit_history_log (
	id              TEXT PRIMARY KEY,
	city            TEXT NOT NULL,
	permit_id       TEXT NOT NULL,
	previous_status TEXT NOT NULL,
	new_status      TEXT NOT NULL,
	changed_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME,
	fetched      INTEGER NOT NULL DEFAULT 0,
	upserted     INTEGER NOT NULL DEFAULT 0,
	changes      INTEGER NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_permits_tier ON permits(complexity_tier);
CREATE INDEX IF NOT EXISTS idx_permits_city ON permits(city);
CREATE INDEX IF NOT EXISTS idx_history_key ON permit_history_log(city, permit_id);
CREATE INDEX IF NOT EXISTS idx_sync_runs_source ON sync_runs(source);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteUpsert = `
INSERT INTO permits (
	city, permit_id, description, valuation, status,
	applied_date, issued_date, processing_days,
	complexity_tier, project_category, ai_rationale, dates_corrected, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (city, permit_id) DO UPDATE SET
	description = excluded.description,
	valuation = excluded.valuation,
	status = excluded.status,
	applied_date = excluded.applied_date,
	issued_date = excluded.issued_date,
	processing_days = excluded.processing_days,
	complexity_tier = excluded.complexity_tier,
	project_category = excluded.project_category,
	ai_rationale = excluded.ai_rationale,
	dates_corrected = excluded.dates_corrected,
	updated_at = excluded.updated_at`

func (s *SQLiteStore) UpsertPermits(ctx context.Context, records []model.PermitRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var n int64
	for i := range records {
		r := &records[i]
		_, err := stmt.ExecContext(ctx,
			r.City, r.PermitID, r.Description, r.Valuation, r.Status,
			dateString(r.AppliedDate), dateString(r.IssuedDate), r.ProcessingDays,
			string(r.Tier), nullString(string(r.Category)), nullString(r.AIRationale),
			boolInt(r.DatesCorrected), now,
		)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: upsert permit %s", r.Key())
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert tx")
	}
	return n, nil
}

func (s *SQLiteStore) StatusByKey(ctx context.Context, keys []model.PermitKey) (map[model.PermitKey]string, error) {
	result := make(map[model.PermitKey]string, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	var clauses []string
	var args []any
	for _, k := range keys {
		clauses = append(clauses, "(city = ? AND permit_id = ?)")
		args = append(args, k.City, k.PermitID)
	}
	query := "SELECT city, permit_id, status FROM permits WHERE " + strings.Join(clauses, " OR ")

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: status lookup")
	}
	defer rows.Close()

	for rows.Next() {
		var k model.PermitKey
		var status string
		if err := rows.Scan(&k.City, &k.PermitID, &status); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status row")
		}
		result[k] = status
	}
	return result, eris.Wrap(rows.Err(), "sqlite: status lookup iterate")
}

func (s *SQLiteStore) ListPermits(ctx context.Context, filter PermitFilter) ([]model.PermitRecord, error) {
	query := `SELECT city, permit_id, description, valuation, status,
		applied_date, issued_date, processing_days,
		complexity_tier, project_category, ai_rationale, dates_corrected
		FROM permits WHERE 1=1`
	var args []any

	if filter.City != "" {
		query += ` AND city = ?`
		args = append(args, filter.City)
	}
	if filter.Tier != "" {
		query += ` AND complexity_tier = ?`
		args = append(args, string(filter.Tier))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY issued_date DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list permits")
	}
	defer rows.Close()

	var permits []model.PermitRecord
	for rows.Next() {
		r, err := scanSQLitePermit(rows)
		if err != nil {
			return nil, err
		}
		permits = append(permits, *r)
	}
	return permits, eris.Wrap(rows.Err(), "sqlite: list permits iterate")
}

func (s *SQLiteStore) AppendChangeEvents(ctx context.Context, events []model.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin history tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO permit_history_log (id, city, permit_id, previous_status, new_status, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare history insert")
	}
	defer stmt.Close()

	for i := range events {
		e := &events[i]
		if _, err := stmt.ExecContext(ctx, e.ID, e.City, e.PermitID, e.PreviousStatus, e.NewStatus, e.ChangedAt.UTC()); err != nil {
			return eris.Wrapf(err, "sqlite: insert change event %s", e.Key())
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit history tx")
}

func (s *SQLiteStore) ListChangeEvents(ctx context.Context, filter ChangeFilter) ([]model.ChangeEvent, error) {
	query := `SELECT id, city, permit_id, previous_status, new_status, changed_at
		FROM permit_history_log WHERE 1=1`
	var args []any

	if filter.City != "" {
		query += ` AND city = ?`
		args = append(args, filter.City)
	}
	query += ` ORDER BY changed_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list change events")
	}
	defer rows.Close()

	var events []model.ChangeEvent
	for rows.Next() {
		var e model.ChangeEvent
		if err := rows.Scan(&e.ID, &e.City, &e.PermitID, &e.PreviousStatus, &e.NewStatus, &e.ChangedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan change event")
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list change events iterate")
}

func (s *SQLiteStore) StartRun(ctx context.Context, source string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (source, status, started_at) VALUES (?, 'running', ?)`,
		source, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: start run for %s", source)
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "sqlite: run id")
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID int64, result RunResult) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = 'complete', completed_at = ?, fetched = ?, upserted = ?, changes = ? WHERE id = ?`,
		time.Now().UTC(), result.Fetched, result.Upserted, result.Changes, runID,
	)
	return eris.Wrapf(err, "sqlite: complete run %d", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = 'failed', completed_at = ?, error = ? WHERE id = ?`,
		time.Now().UTC(), errMsg, runID,
	)
	return eris.Wrapf(err, "sqlite: fail run %d", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, status, started_at, completed_at, fetched, upserted, changes, error
		 FROM sync_runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var r SyncRun
		var completedAt sql.NullTime
		var errStr sql.NullString
		if err := rows.Scan(&r.ID, &r.Source, &r.Status, &r.StartedAt, &completedAt, &r.Fetched, &r.Upserted, &r.Changes, &errStr); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		r.Error = errStr.String
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func scanSQLitePermit(rows *sql.Rows) (*model.PermitRecord, error) {
	var r model.PermitRecord
	var applied, issued, category, rationale sql.NullString
	var processingDays sql.NullInt64
	var tier string
	var datesCorrected int

	err := rows.Scan(&r.City, &r.PermitID, &r.Description, &r.Valuation, &r.Status,
		&applied, &issued, &processingDays, &tier, &category, &rationale, &datesCorrected)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan permit")
	}

	r.AppliedDate = parseStoredDate(applied)
	r.IssuedDate = parseStoredDate(issued)
	if processingDays.Valid {
		d := int(processingDays.Int64)
		r.ProcessingDays = &d
	}
	r.Tier, _ = model.ParseTier(tier)
	r.Category = model.Category(category.String)
	r.AIRationale = rationale.String
	r.DatesCorrected = datesCorrected != 0
	return &r, nil
}

func parseStoredDate(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s.String)
	if err != nil {
		return nil
	}
	return &t
}

func dateString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
