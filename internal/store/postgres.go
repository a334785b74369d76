package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/airq-cli/internal/db"
	"github.com/sells-group/airq-cli/internal/experiment"
	"github.com/sells-group/airq-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"insert_experiment_run": `INSERT INTO experiment_runs (experiment_id, cell_index, mode, algorithm, status, error_kind, validation_rmse, test_rmse, run) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
	"current_promotion":     `SELECT id, version_id, mode, note, promoted_at FROM model_promotions ORDER BY seq DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	cfg := db.PoolConfig{}
	if poolCfg != nil {
		cfg = *poolCfg
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}
	pool, err := db.Open(ctx, connString, &cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS experiments (
	id           TEXT PRIMARY KEY,
	header       JSONB NOT NULL,
	selection    JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	finalized_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS experiment_runs (
	seq             BIGSERIAL PRIMARY KEY,
	experiment_id   TEXT NOT NULL REFERENCES experiments(id),
	cell_index      INTEGER NOT NULL,
	mode            TEXT NOT NULL,
	algorithm       TEXT NOT NULL,
	status          TEXT NOT NULL,
	error_kind      TEXT,
	validation_rmse DOUBLE PRECISION,
	test_rmse       DOUBLE PRECISION,
	run             JSONB NOT NULL,
	recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (experiment_id, cell_index)
);

CREATE TABLE IF NOT EXISTS model_promotions (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE DEFAULT gen_random_uuid()::text,
	version_id  TEXT NOT NULL,
	mode        TEXT NOT NULL,
	note        TEXT,
	promoted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_experiments_created_at ON experiments(created_at);
CREATE INDEX IF NOT EXISTS idx_experiment_runs_mode ON experiment_runs(experiment_id, mode);
CREATE INDEX IF NOT EXISTS idx_model_promotions_version ON model_promotions(version_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateExperiment(ctx context.Context, m *experiment.Manifest) error {
	hdr, err := encodeHeader(m)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO experiments (id, header, created_at) VALUES ($1, $2, $3)`,
		m.ExperimentID, hdr, m.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert experiment %s", m.ExperimentID)
}

func (s *PostgresStore) AppendRun(ctx context.Context, experimentID string, run experiment.Run) error {
	runJSON, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}
	var kind *string
	if run.ErrorKind != "" {
		kind = &run.ErrorKind
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO experiment_runs (experiment_id, cell_index, mode, algorithm, status, error_kind, validation_rmse, test_rmse, run) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		experimentID, run.CellIndex, run.Mode, string(run.Algorithm), string(run.Status),
		kind, run.Validation.RMSE, run.Test.RMSE, runJSON,
	)
	return eris.Wrapf(err, "postgres: insert run %s/%d", experimentID, run.CellIndex)
}

func (s *PostgresStore) FinalizeExperiment(ctx context.Context, m *experiment.Manifest) error {
	if m.FinalizedAt == nil {
		return eris.Errorf("postgres: experiment %s has no finalization time", m.ExperimentID)
	}
	sel, err := encodeSelection(m)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiments SET selection = $1, finalized_at = $2 WHERE id = $3 AND finalized_at IS NULL`,
		sel, m.FinalizedAt.UTC(), m.ExperimentID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize experiment %s", m.ExperimentID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "unfinalized experiment %s", m.ExperimentID)
	}
	return nil
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*experiment.Manifest, error) {
	m, err := s.scanExperiment(s.pool.QueryRow(ctx,
		`SELECT id, header, selection, created_at, finalized_at FROM experiments WHERE id = $1`, id,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get experiment %s", id)
	}
	runs, err := s.ListRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Runs = runs
	return m, nil
}

func (s *PostgresStore) ListExperiments(ctx context.Context, filter ExperimentFilter) ([]experiment.Summary, error) {
	query := `SELECT e.id, e.header, e.selection, e.created_at, e.finalized_at,
		(SELECT COUNT(*) FROM experiment_runs r WHERE r.experiment_id = e.id),
		(SELECT COUNT(*) FROM experiment_runs r WHERE r.experiment_id = e.id AND r.status = 'succeeded')
		FROM experiments e`
	if filter.FinalizedOnly {
		query += ` WHERE e.finalized_at IS NOT NULL`
	}
	query += ` ORDER BY e.created_at DESC, e.id LIMIT $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, query, listLimit(filter.Limit), filter.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list experiments")
	}
	defer rows.Close()

	var out []experiment.Summary
	for rows.Next() {
		var total, succeeded int64
		m, err := s.scanExperiment(rows, &total, &succeeded)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan experiment")
		}
		out = append(out, summarize(m, int(total), int(succeeded)))
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate experiments")
}

func (s *PostgresStore) ListRuns(ctx context.Context, experimentID string) ([]experiment.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run FROM experiment_runs WHERE experiment_id = $1 ORDER BY seq`, experimentID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list runs %s", experimentID)
	}
	defer rows.Close()

	var out []experiment.Run
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		var r experiment.Run
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

func (s *PostgresStore) RecordPromotion(ctx context.Context, p model.Promotion) (*model.Promotion, error) {
	if p.VersionID == "" {
		return nil, eris.Wrap(model.ErrConfiguration, "postgres: promotion without version")
	}
	p.ID = uuid.New().String()
	if p.PromotedAt.IsZero() {
		p.PromotedAt = time.Now().UTC()
	}
	var note *string
	if p.Note != "" {
		note = &p.Note
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO model_promotions (id, version_id, mode, note, promoted_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.VersionID, p.Mode, note, p.PromotedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert promotion %s", p.VersionID)
	}
	return &p, nil
}

func (s *PostgresStore) CurrentPromotion(ctx context.Context) (*model.Promotion, error) {
	p, err := scanPgPromotion(s.pool.QueryRow(ctx,
		`SELECT id, version_id, mode, note, promoted_at FROM model_promotions ORDER BY seq DESC LIMIT 1`,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(model.ErrModelNotFound, "postgres: no promoted version")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: current promotion")
	}
	return p, nil
}

func (s *PostgresStore) ListPromotions(ctx context.Context, limit int) ([]model.Promotion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, version_id, mode, note, promoted_at FROM model_promotions ORDER BY seq DESC LIMIT $1`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list promotions")
	}
	defer rows.Close()

	var out []model.Promotion
	for rows.Next() {
		p, err := scanPgPromotion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan promotion")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate promotions")
}

func (s *PostgresStore) scanExperiment(row pgx.Row, extra ...any) (*experiment.Manifest, error) {
	var (
		m         experiment.Manifest
		hdr, sel  []byte
		finalized *time.Time
	)
	dest := append([]any{&m.ExperimentID, &hdr, &sel, &m.CreatedAt, &finalized}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "experiment")
		}
		return nil, err
	}
	m.FinalizedAt = finalized
	if err := applyHeader(&m, hdr, sel); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanPgPromotion(row pgx.Row) (*model.Promotion, error) {
	var p model.Promotion
	var note *string
	if err := row.Scan(&p.ID, &p.VersionID, &p.Mode, &note, &p.PromotedAt); err != nil {
		return nil, err
	}
	if note != nil {
		p.Note = *note
	}
	return &p, nil
}
