package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/airq-cli/internal/experiment"
	"github.com/sells-group/airq-cli/internal/model"
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
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS experiments (
	id           TEXT PRIMARY KEY,
	header       TEXT NOT NULL,
	selection    TEXT,
	created_at   DATETIME NOT NULL,
	finalized_at DATETIME
);

CREATE TABLE IF NOT EXISTS experiment_runs (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	experiment_id   TEXT NOT NULL REFERENCES experiments(id),
	cell_index      INTEGER NOT NULL,
	mode            TEXT NOT NULL,
	algorithm       TEXT NOT NULL,
	status          TEXT NOT NULL,
	error_kind      TEXT,
	validation_rmse REAL,
	test_rmse       REAL,
	run             TEXT NOT NULL,
	recorded_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (experiment_id, cell_index)
);

CREATE TABLE IF NOT EXISTS model_promotions (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	version_id  TEXT NOT NULL,
	mode        TEXT NOT NULL,
	note        TEXT,
	promoted_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_experiments_created_at ON experiments(created_at);
CREATE INDEX IF NOT EXISTS idx_experiment_runs_mode ON experiment_runs(experiment_id, mode);
CREATE INDEX IF NOT EXISTS idx_model_promotions_version ON model_promotions(version_id);

CREATE TRIGGER IF NOT EXISTS experiment_runs_no_update BEFORE UPDATE ON experiment_runs
BEGIN
	SELECT RAISE(ABORT, 'experiment runs are immutable');
END;
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateExperiment(ctx context.Context, m *experiment.Manifest) error {
	hdr, err := encodeHeader(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, header, created_at) VALUES (?, ?, ?)`,
		m.ExperimentID, string(hdr), m.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert experiment %s", m.ExperimentID)
}

func (s *SQLiteStore) AppendRun(ctx context.Context, experimentID string, run experiment.Run) error {
	runJSON, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiment_runs (experiment_id, cell_index, mode, algorithm, status, error_kind, validation_rmse, test_rmse, run)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		experimentID, run.CellIndex, run.Mode, string(run.Algorithm), string(run.Status),
		nullString(run.ErrorKind), run.Validation.RMSE, run.Test.RMSE, string(runJSON),
	)
	return eris.Wrapf(err, "sqlite: insert run %s/%d", experimentID, run.CellIndex)
}

func (s *SQLiteStore) FinalizeExperiment(ctx context.Context, m *experiment.Manifest) error {
	if m.FinalizedAt == nil {
		return eris.Errorf("sqlite: experiment %s has no finalization time", m.ExperimentID)
	}
	sel, err := encodeSelection(m)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET selection = ?, finalized_at = ? WHERE id = ? AND finalized_at IS NULL`,
		string(sel), m.FinalizedAt.UTC(), m.ExperimentID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize experiment %s", m.ExperimentID)
	}
	return checkRowsAffected(res, "unfinalized experiment", m.ExperimentID)
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*experiment.Manifest, error) {
	m, err := scanExperiment(s.db.QueryRowContext(ctx,
		`SELECT id, header, selection, created_at, finalized_at FROM experiments WHERE id = ?`, id,
	))
	if err != nil {
		return nil, err
	}
	runs, err := s.ListRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Runs = runs
	return m, nil
}

func (s *SQLiteStore) ListExperiments(ctx context.Context, filter ExperimentFilter) ([]experiment.Summary, error) {
	query := `SELECT e.id, e.header, e.selection, e.created_at, e.finalized_at,
		(SELECT COUNT(*) FROM experiment_runs r WHERE r.experiment_id = e.id),
		(SELECT COUNT(*) FROM experiment_runs r WHERE r.experiment_id = e.id AND r.status = 'succeeded')
		FROM experiments e`
	if filter.FinalizedOnly {
		query += ` WHERE e.finalized_at IS NOT NULL`
	}
	query += ` ORDER BY e.created_at DESC, e.id LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, listLimit(filter.Limit), filter.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list experiments")
	}
	defer rows.Close() //nolint:errcheck

	var out []experiment.Summary
	for rows.Next() {
		var total, succeeded int
		m, err := scanExperiment(rows, &total, &succeeded)
		if err != nil {
			return nil, err
		}
		out = append(out, summarize(m, total, succeeded))
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate experiments")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, experimentID string) ([]experiment.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run FROM experiment_runs WHERE experiment_id = ? ORDER BY seq`, experimentID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list runs %s", experimentID)
	}
	defer rows.Close() //nolint:errcheck

	var out []experiment.Run
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		var r experiment.Run
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func (s *SQLiteStore) RecordPromotion(ctx context.Context, p model.Promotion) (*model.Promotion, error) {
	if p.VersionID == "" {
		return nil, eris.Wrap(model.ErrConfiguration, "sqlite: promotion without version")
	}
	p.ID = uuid.New().String()
	if p.PromotedAt.IsZero() {
		p.PromotedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_promotions (id, version_id, mode, note, promoted_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.VersionID, p.Mode, nullString(p.Note), p.PromotedAt.UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert promotion %s", p.VersionID)
	}
	return &p, nil
}

func (s *SQLiteStore) CurrentPromotion(ctx context.Context) (*model.Promotion, error) {
	p, err := scanPromotion(s.db.QueryRowContext(ctx,
		`SELECT id, version_id, mode, note, promoted_at FROM model_promotions ORDER BY seq DESC LIMIT 1`,
	))
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(model.ErrModelNotFound, "sqlite: no promoted version")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: current promotion")
	}
	return p, nil
}

func (s *SQLiteStore) ListPromotions(ctx context.Context, limit int) ([]model.Promotion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version_id, mode, note, promoted_at FROM model_promotions ORDER BY seq DESC LIMIT ?`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list promotions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Promotion
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan promotion")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate promotions")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

// scanExperiment reads (id, header, selection, created_at, finalized_at)
// followed by any extra destinations.
func scanExperiment(row scannable, extra ...any) (*experiment.Manifest, error) {
	var (
		m         experiment.Manifest
		hdr       string
		sel       sql.NullString
		finalized sql.NullTime
	)
	dest := append([]any{&m.ExperimentID, &hdr, &sel, &m.CreatedAt, &finalized}, extra...)
	err := row.Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "sqlite: experiment")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan experiment")
	}
	if finalized.Valid {
		t := finalized.Time
		m.FinalizedAt = &t
	}
	var selJSON []byte
	if sel.Valid {
		selJSON = []byte(sel.String)
	}
	if err := applyHeader(&m, []byte(hdr), selJSON); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanPromotion(row scannable) (*model.Promotion, error) {
	var p model.Promotion
	var note sql.NullString
	if err := row.Scan(&p.ID, &p.VersionID, &p.Mode, &note, &p.PromotedAt); err != nil {
		return nil, err
	}
	p.Note = note.String
	return &p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
