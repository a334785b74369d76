// Package history serves trailing weather and pollutant observations to
// Historical-mode inference.
package history

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/airq-cli/internal/config"
	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/model"
)

// Source returns a city's observations dated in [before-days, before).
type Source interface {
	Recent(ctx context.Context, city string, before time.Time, days int) ([]model.RawRecord, error)
}

// Table is an in-memory Source over a loaded merged table. It is read-only
// after construction.
type Table struct {
	byCity map[string][]model.RawRecord
}

// NewTable indexes records by normalized city, oldest first.
func NewTable(records []model.RawRecord) *Table {
	t := &Table{byCity: make(map[string][]model.RawRecord)}
	for _, r := range records {
		city := features.NormalizeCity(r.City)
		if city == "" {
			continue
		}
		r.City = city
		r.Date = model.Day(r.Date)
		t.byCity[city] = append(t.byCity[city], r)
	}
	for _, recs := range t.byCity {
		sort.Slice(recs, func(i, j int) bool { return recs[i].Date.Before(recs[j].Date) })
	}
	return t
}

// Recent implements Source.
func (t *Table) Recent(_ context.Context, city string, before time.Time, days int) ([]model.RawRecord, error) {
	recs := t.byCity[features.NormalizeCity(city)]
	end := model.Day(before)
	start := end.AddDate(0, 0, -days)
	lo := sort.Search(len(recs), func(i int) bool { return !recs[i].Date.Before(start) })
	hi := sort.Search(len(recs), func(i int) bool { return !recs[i].Date.Before(end) })
	if lo >= hi {
		return nil, nil
	}
	return append([]model.RawRecord(nil), recs[lo:hi]...), nil
}

// Len returns the number of indexed records.
func (t *Table) Len() int {
	n := 0
	for _, recs := range t.byCity {
		n += len(recs)
	}
	return n
}

// Open returns the Source selected by cfg. The table driver serves records,
// which may be nil for Today-only deployments.
func Open(ctx context.Context, cfg config.HistoryConfig, records []model.RawRecord) (Source, func(), error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "table":
		return NewTable(records), func() {}, nil
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, eris.Wrapf(model.ErrConfiguration, "history: unknown driver %q", cfg.Driver)
	}
}
