package history

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/airq-cli/internal/db"
	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/model"
)

// observationsTable is schema-qualified; CopyFrom splits it.
const observationsTable = "airq.observations"

var observationColumns = []string{"city", "obs_date", "weather", "pollutants", "flags"}

const postgresMigration = `
CREATE SCHEMA IF NOT EXISTS airq;

CREATE TABLE IF NOT EXISTS airq.observations (
	city       TEXT NOT NULL,
	obs_date   DATE NOT NULL,
	weather    JSONB NOT NULL DEFAULT '{}',
	pollutants JSONB NOT NULL DEFAULT '{}',
	flags      TEXT[] NOT NULL DEFAULT '{}',
	loaded_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (city, obs_date)
);
`

// Postgres is a Source backed by airq.observations.
type Postgres struct {
	pool db.Pool
}

// NewPostgres connects to connString.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := db.Open(ctx, connString, nil)
	if err != nil {
		return nil, eris.Wrap(err, "history: connect")
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the observation table.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "history: migrate")
	}
	return nil
}

// Load upserts records keyed by (city, obs_date); a reloaded day replaces
// the stored one.
func (p *Postgres) Load(ctx context.Context, records []model.RawRecord) (int64, error) {
	n, err := db.BulkUpsert(ctx, p.pool, db.UpsertConfig{
		Table:        observationsTable,
		Columns:      observationColumns,
		ConflictKeys: []string{"city", "obs_date"},
	}, rows(records))
	if err != nil {
		return 0, eris.Wrap(err, "history: load")
	}
	zap.L().Info("history: observations upserted", zap.Int64("rows", n))
	return n, nil
}

// Append copies records straight into the table. It is the fast path for
// an initial load and fails on any duplicate (city, obs_date).
func (p *Postgres) Append(ctx context.Context, records []model.RawRecord) (int64, error) {
	n, err := db.CopyFrom(ctx, p.pool, observationsTable, observationColumns, rows(records))
	if err != nil {
		return 0, eris.Wrap(err, "history: append")
	}
	zap.L().Info("history: observations copied", zap.Int64("rows", n))
	return n, nil
}

func rows(records []model.RawRecord) [][]any {
	out := make([][]any, 0, len(records))
	for _, r := range records {
		weather := r.Weather
		if weather == nil {
			weather = map[string]float64{}
		}
		pollutants := r.Pollutants
		if pollutants == nil {
			pollutants = map[string]float64{}
		}
		flags := r.Flags
		if flags == nil {
			flags = []string{}
		}
		out = append(out, []any{features.NormalizeCity(r.City), model.Day(r.Date), weather, pollutants, flags})
	}
	return out
}

// Recent implements Source.
func (p *Postgres) Recent(ctx context.Context, city string, before time.Time, days int) ([]model.RawRecord, error) {
	end := model.Day(before)
	start := end.AddDate(0, 0, -days)
	rows, err := p.pool.Query(ctx,
		`SELECT city, obs_date, weather, pollutants, flags FROM airq.observations
		 WHERE city = $1 AND obs_date >= $2 AND obs_date < $3 ORDER BY obs_date`,
		features.NormalizeCity(city), start, end,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "history: query %s", city)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RawRecord
	for rows.Next() {
		var r model.RawRecord
		if err := rows.Scan(&r.City, &r.Date, &r.Weather, &r.Pollutants, &r.Flags); err != nil {
			return nil, eris.Wrap(err, "history: scan observation")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "history: iterate observations")
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
