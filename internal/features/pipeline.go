// Package features turns the merged daily weather/pollutant table into
// leakage-safe model inputs.
//
// Every lag or rolling value for (city, D) is derived from that city's
// records dated strictly before D. Missing engineered values are written as
// a single reserved sentinel so learners can see missingness.
package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/airq-cli/internal/mode"
	"github.com/sells-group/airq-cli/internal/model"
)

// Config controls the feature transform.
type Config struct {
	LagDays       []int
	RollingWindow int
	Sentinel      float64
	Pollutants    []string
	Weather       []string
	// PrimaryTarget rows are dropped when this pollutant is missing. Empty keeps every row.
	PrimaryTarget string
	Catalog       *Catalog
}

// DefaultConfig returns lags 1..7, a 7-day window and the default column sets.
func DefaultConfig() Config {
	return Config{
		LagDays:       []int{1, 2, 3, 4, 5, 6, 7},
		RollingWindow: 7,
		Sentinel:      -999,
		Pollutants:    append([]string(nil), model.DefaultPollutants...),
		Weather:       append([]string(nil), model.DefaultWeather...),
		PrimaryTarget: model.PM25,
		Catalog:       DefaultCatalog(),
	}
}

// Column is one engineered feature and its group tag.
type Column struct {
	Name  string     `json:"name" yaml:"name"`
	Group mode.Group `json:"group" yaml:"group"`
}

// Manifest is the ordered column list plus the settings needed to rebuild it.
type Manifest struct {
	Columns       []Column `json:"columns" yaml:"columns"`
	Sentinel      float64  `json:"sentinel" yaml:"sentinel"`
	LagDays       []int    `json:"lag_days" yaml:"lag_days"`
	RollingWindow int      `json:"rolling_window" yaml:"rolling_window"`
	Pollutants    []string `json:"pollutants" yaml:"pollutants"`
	Weather       []string `json:"weather" yaml:"weather"`
	PrimaryTarget string   `json:"primary_target,omitempty" yaml:"primary_target,omitempty"`
}

// Names returns the column names in order.
func (m Manifest) Names() []string {
	out := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		out[i] = c.Name
	}
	return out
}

// MaxLag returns the largest configured lag offset.
func (m Manifest) MaxLag() int {
	maxLag := 0
	for _, k := range m.LagDays {
		if k > maxLag {
			maxLag = k
		}
	}
	return maxLag
}

// Lookback is how many prior days a historical row can reach.
func (m Manifest) Lookback() int {
	if m.RollingWindow > m.MaxLag() {
		return m.RollingWindow
	}
	return m.MaxLag()
}

// Select returns the sub-manifest restricted to groups, keeping order.
func (m Manifest) Select(groups []mode.Group) Manifest {
	keep := make(map[mode.Group]bool, len(groups))
	for _, g := range groups {
		keep[g] = true
	}
	out := m
	out.Columns = nil
	for _, c := range m.Columns {
		if keep[c.Group] {
			out.Columns = append(out.Columns, c)
		}
	}
	return out
}

// Indices maps each column of sub to its position in m. Any column of sub
// that m does not produce, or produces under a different group, is a
// schema mismatch.
func (m Manifest) Indices(sub Manifest) ([]int, error) {
	pos := make(map[string]int, len(m.Columns))
	for i, c := range m.Columns {
		pos[c.Name] = i
	}
	idx := make([]int, len(sub.Columns))
	for i, c := range sub.Columns {
		j, ok := pos[c.Name]
		if !ok || m.Columns[j].Group != c.Group {
			return nil, eris.Wrapf(model.ErrSchemaMismatch, "features: column %q (%s) not produced by pipeline", c.Name, c.Group)
		}
		idx[i] = j
	}
	return idx, nil
}

// SameOrder reports whether two manifests list identical columns in identical order.
func (m Manifest) SameOrder(o Manifest) bool {
	if len(m.Columns) != len(o.Columns) || m.Sentinel != o.Sentinel {
		return false
	}
	for i := range m.Columns {
		if m.Columns[i] != o.Columns[i] {
			return false
		}
	}
	return true
}

// Row is one engineered (city, date) record. Targets holds only the
// pollutant values observed on that day.
type Row struct {
	City        string             `json:"city"`
	Date        time.Time          `json:"date"`
	Targets     map[string]float64 `json:"targets"`
	Values      []float64          `json:"values"`
	HistoryDays int                `json:"history_days"`
}

// Matrix is the feature table produced by a Pipeline.
type Matrix struct {
	Manifest Manifest
	Rows     []Row
}

// Select projects the matrix onto the given feature groups.
func (m *Matrix) Select(groups []mode.Group) *Matrix {
	sub := m.Manifest.Select(groups)
	idx, _ := m.Manifest.Indices(sub)
	rows := make([]Row, len(m.Rows))
	for i, r := range m.Rows {
		vals := make([]float64, len(idx))
		for j, k := range idx {
			vals[j] = r.Values[k]
		}
		r.Values = vals
		rows[i] = r
	}
	return &Matrix{Manifest: sub, Rows: rows}
}

// Features returns the feature vectors in row order.
func (m *Matrix) Features() [][]float64 {
	out := make([][]float64, len(m.Rows))
	for i, r := range m.Rows {
		out[i] = r.Values
	}
	return out
}

// Target returns the values of target in row order; rows missing it are NaN.
func (m *Matrix) Target(target string) []float64 {
	out := make([]float64, len(m.Rows))
	for i, r := range m.Rows {
		v, ok := r.Targets[target]
		if !ok {
			v = math.NaN()
		}
		out[i] = v
	}
	return out
}

// Cities returns the distinct cities in the matrix, sorted.
func (m *Matrix) Cities() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range m.Rows {
		if !seen[r.City] {
			seen[r.City] = true
			out = append(out, r.City)
		}
	}
	sort.Strings(out)
	return out
}

// Pipeline is a configured, reusable feature transform. It holds no mutable
// state and is safe for concurrent use.
type Pipeline struct {
	cfg      Config
	manifest Manifest
	lagCols  []string
}

// New validates cfg and precomputes the column manifest.
func New(cfg Config) (*Pipeline, error) {
	if cfg.RollingWindow < 1 {
		return nil, eris.Wrapf(model.ErrConfiguration, "features: rolling window %d must be >= 1", cfg.RollingWindow)
	}
	for _, k := range cfg.LagDays {
		if k < 1 {
			return nil, eris.Wrapf(model.ErrConfiguration, "features: lag offset %d must be >= 1", k)
		}
	}
	if len(cfg.Weather) == 0 {
		return nil, eris.Wrap(model.ErrConfiguration, "features: no weather columns configured")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}

	p := &Pipeline{cfg: cfg}
	p.lagCols = append(append([]string(nil), cfg.Pollutants...), cfg.Weather...)

	var cols []Column
	for _, w := range cfg.Weather {
		cols = append(cols, Column{Name: w, Group: mode.GroupWeather})
	}
	for _, n := range timeColumns {
		cols = append(cols, Column{Name: n, Group: mode.GroupTime})
	}
	for _, n := range staticColumns {
		cols = append(cols, Column{Name: n, Group: mode.GroupStatic})
	}
	for _, c := range p.lagCols {
		for _, k := range cfg.LagDays {
			cols = append(cols, Column{Name: fmt.Sprintf("%s_lag%d", c, k), Group: mode.GroupLag})
		}
	}
	for _, c := range p.lagCols {
		cols = append(cols,
			Column{Name: fmt.Sprintf("%s_roll%d_mean", c, cfg.RollingWindow), Group: mode.GroupRolling},
			Column{Name: fmt.Sprintf("%s_roll%d_std", c, cfg.RollingWindow), Group: mode.GroupRolling},
		)
	}

	p.manifest = Manifest{
		Columns:       cols,
		Sentinel:      cfg.Sentinel,
		LagDays:       append([]int(nil), cfg.LagDays...),
		RollingWindow: cfg.RollingWindow,
		Pollutants:    append([]string(nil), cfg.Pollutants...),
		Weather:       append([]string(nil), cfg.Weather...),
		PrimaryTarget: cfg.PrimaryTarget,
	}
	return p, nil
}

// FromManifest rebuilds the pipeline that produced m.
func FromManifest(m Manifest, cat *Catalog) (*Pipeline, error) {
	return New(Config{
		LagDays:       m.LagDays,
		RollingWindow: m.RollingWindow,
		Sentinel:      m.Sentinel,
		Pollutants:    m.Pollutants,
		Weather:       m.Weather,
		PrimaryTarget: m.PrimaryTarget,
		Catalog:       cat,
	})
}

// Manifest returns the full column manifest (all groups).
func (p *Pipeline) Manifest() Manifest { return p.manifest }

// Sentinel returns the missing-value marker.
func (p *Pipeline) Sentinel() float64 { return p.cfg.Sentinel }

// Transform engineers every record. The output is sorted by (date, city).
// Records missing the primary target are dropped after they have served as
// history for later days. Duplicate (city, date) pairs are rejected.
func (p *Pipeline) Transform(records []model.RawRecord) (*Matrix, error) {
	byCity := make(map[string][]model.RawRecord)
	for _, r := range records {
		city := NormalizeCity(r.City)
		if city == "" {
			return nil, eris.Errorf("features: record dated %s has no city", r.Date.Format(model.DateLayout))
		}
		r.City = city
		r.Date = model.Day(r.Date)
		byCity[city] = append(byCity[city], r)
	}

	var rows []Row
	for city, recs := range byCity {
		sort.Slice(recs, func(i, j int) bool { return recs[i].Date.Before(recs[j].Date) })
		index := make(map[time.Time]int, len(recs))
		for i, r := range recs {
			if _, dup := index[r.Date]; dup {
				return nil, eris.Errorf("features: duplicate record for %s on %s", city, r.Date.Format(model.DateLayout))
			}
			index[r.Date] = i
		}
		lookup := func(d time.Time) (model.RawRecord, bool) {
			i, ok := index[d]
			if !ok {
				return model.RawRecord{}, false
			}
			return recs[i], true
		}

		for i, r := range recs {
			targets := observedTargets(r, p.cfg.Pollutants)
			if _, ok := targets[p.cfg.PrimaryTarget]; !ok && p.cfg.PrimaryTarget != "" {
				continue
			}
			rows = append(rows, Row{
				City:        city,
				Date:        r.Date,
				Targets:     targets,
				Values:      p.vector(city, r.Date, r.Weather, lookup),
				HistoryDays: i,
			})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.Before(rows[j].Date)
		}
		return rows[i].City < rows[j].City
	})
	return &Matrix{Manifest: p.manifest, Rows: rows}, nil
}

// BuildRow engineers a single inference row for (city, date) from the
// same-day weather and the city's trailing history. History records dated on
// or after date are ignored. A city with no history gets sentinels for every
// lag and rolling column, as it would in training.
func (p *Pipeline) BuildRow(city string, date time.Time, weather map[string]float64, history []model.RawRecord) (Row, error) {
	city = NormalizeCity(city)
	if city == "" {
		return Row{}, eris.Wrap(model.ErrConfiguration, "features: empty city")
	}
	date = model.Day(date)
	past := make(map[time.Time]model.RawRecord, len(history))
	for _, h := range history {
		d := model.Day(h.Date)
		if !d.Before(date) {
			continue
		}
		if NormalizeCity(h.City) != city {
			continue
		}
		past[d] = h
	}
	lookup := func(d time.Time) (model.RawRecord, bool) {
		r, ok := past[d]
		return r, ok
	}
	return Row{
		City:        city,
		Date:        date,
		Targets:     map[string]float64{},
		Values:      p.vector(city, date, weather, lookup),
		HistoryDays: len(past),
	}, nil
}

// vector assembles the full-manifest feature vector for (city, date).
// lookup must only ever be asked for days before date.
func (p *Pipeline) vector(city string, date time.Time, weather map[string]float64, lookup func(time.Time) (model.RawRecord, bool)) []float64 {
	s := p.cfg.Sentinel
	out := make([]float64, 0, len(p.manifest.Columns))

	for _, w := range p.cfg.Weather {
		v, ok := weather[w]
		out = append(out, orSentinel(v, ok, s))
	}
	out = append(out, timeValues(date)...)
	out = append(out, p.cfg.Catalog.staticValues(city, s)...)

	for _, c := range p.lagCols {
		for _, k := range p.cfg.LagDays {
			prev, ok := lookup(date.AddDate(0, 0, -k))
			var v float64
			if ok {
				v, ok = prev.Value(c)
			}
			out = append(out, orSentinel(v, ok, s))
		}
	}

	w := p.cfg.RollingWindow
	window := make([]float64, 0, w)
	for _, c := range p.lagCols {
		window = window[:0]
		for k := 1; k <= w; k++ {
			prev, ok := lookup(date.AddDate(0, 0, -k))
			if !ok {
				continue
			}
			if v, ok := prev.Value(c); ok {
				window = append(window, v)
			}
		}
		mean, std := s, s
		switch {
		case len(window) >= 2:
			mean, std = stat.MeanStdDev(window, nil)
		case len(window) == 1:
			mean = window[0]
		}
		out = append(out, orSentinel(mean, true, s), orSentinel(std, true, s))
	}
	return out
}

func observedTargets(r model.RawRecord, pollutants []string) map[string]float64 {
	out := make(map[string]float64, len(pollutants))
	for _, pol := range pollutants {
		if v, ok := r.Pollutants[pol]; ok && !math.IsNaN(v) {
			out[pol] = v
		}
	}
	return out
}

func orSentinel(v float64, ok bool, sentinel float64) float64 {
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return sentinel
	}
	return v
}
