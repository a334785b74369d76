// Package dataset builds chronological train/validation/test splits from an
// engineered feature matrix, shaped by a prediction mode.
package dataset

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/mode"
	"github.com/sells-group/airq-cli/internal/model"
)

// Options controls splitting.
type Options struct {
	TestFraction       float64
	ValidationFraction float64
	// RequireFullLags drops historical-mode rows whose city has fewer prior
	// days than the largest lag.
	RequireFullLags bool
	// Cities restricts City-scope partitions. Empty means every city present.
	Cities []string
}

// DefaultOptions is an 80/20 test cut with a 20% validation slice of train.
func DefaultOptions() Options {
	return Options{TestFraction: 0.2, ValidationFraction: 0.2, RequireFullLags: true}
}

// Set is one split of a dataset.
type Set struct {
	Rows []features.Row
}

// Len returns the number of rows.
func (s Set) Len() int { return len(s.Rows) }

// X returns the feature vectors.
func (s Set) X() [][]float64 {
	out := make([][]float64, len(s.Rows))
	for i, r := range s.Rows {
		out[i] = r.Values
	}
	return out
}

// Y returns the values of target. Rows are guaranteed to carry every
// target of their dataset.
func (s Set) Y(target string) []float64 {
	out := make([]float64, len(s.Rows))
	for i, r := range s.Rows {
		out[i] = r.Targets[target]
	}
	return out
}

// DateRange returns the first and last dates in the set.
func (s Set) DateRange() model.DateRange {
	if len(s.Rows) == 0 {
		return model.DateRange{}
	}
	dr := model.DateRange{Start: s.Rows[0].Date, End: s.Rows[0].Date}
	for _, r := range s.Rows[1:] {
		if r.Date.Before(dr.Start) {
			dr.Start = r.Date
		}
		if r.Date.After(dr.End) {
			dr.End = r.Date
		}
	}
	return dr
}

// CityCounts returns the number of rows per city.
func (s Set) CityCounts() map[string]int {
	out := make(map[string]int)
	for _, r := range s.Rows {
		out[r.City]++
	}
	return out
}

// Dataset is one trainable unit: a partition (all cities, or one city for
// City scope) and the targets fitted together.
type Dataset struct {
	Mode       mode.Spec
	Partition  string
	Targets    []string
	Manifest   features.Manifest
	Train      Set
	Validation Set
	Test       Set
}

// Key identifies the dataset inside its mode, e.g. "Beijing/pm25" or "*/pm25+o3".
func (d *Dataset) Key() string {
	p := d.Partition
	if p == "" {
		p = "*"
	}
	key := p + "/"
	for i, t := range d.Targets {
		if i > 0 {
			key += "+"
		}
		key += t
	}
	return key
}

// Build projects m onto the mode's feature groups and returns every dataset
// the mode trains: one per partition for Multi output, one per (partition,
// target) for Single output. Any empty split fails with ErrDataInsufficient.
func Build(m *features.Matrix, spec mode.Spec, opts Options) ([]*Dataset, error) {
	if opts.TestFraction <= 0 || opts.TestFraction >= 1 {
		return nil, eris.Wrapf(model.ErrConfiguration, "dataset: test fraction %v outside (0,1)", opts.TestFraction)
	}
	if opts.ValidationFraction <= 0 || opts.ValidationFraction >= 1 {
		return nil, eris.Wrapf(model.ErrConfiguration, "dataset: validation fraction %v outside (0,1)", opts.ValidationFraction)
	}
	return build(m, spec, opts, func(rows []features.Row) (Set, Set, Set, error) {
		rest, test, err := cut(rows, opts.TestFraction)
		if err != nil {
			return Set{}, Set{}, Set{}, err
		}
		train, val, err := cut(rest, opts.ValidationFraction)
		if err != nil {
			return Set{}, Set{}, Set{}, err
		}
		return Set{Rows: train}, Set{Rows: val}, Set{Rows: test}, nil
	})
}

// BuildFull is the production variant: every usable row goes to Train. A
// positive holdout reserves the latest fraction as Test for a final sanity
// check; Validation is always empty.
func BuildFull(m *features.Matrix, spec mode.Spec, opts Options, holdout float64) ([]*Dataset, error) {
	if holdout < 0 || holdout >= 1 {
		return nil, eris.Wrapf(model.ErrConfiguration, "dataset: holdout fraction %v outside [0,1)", holdout)
	}
	return build(m, spec, opts, func(rows []features.Row) (Set, Set, Set, error) {
		if len(rows) == 0 {
			return Set{}, Set{}, Set{}, eris.Wrap(model.ErrDataInsufficient, "dataset: no rows")
		}
		if holdout == 0 {
			return Set{Rows: rows}, Set{}, Set{}, nil
		}
		train, test, err := cut(rows, holdout)
		if err != nil {
			return Set{}, Set{}, Set{}, err
		}
		return Set{Rows: train}, Set{}, Set{Rows: test}, nil
	})
}

type splitFunc func(rows []features.Row) (train, val, test Set, err error)

func build(m *features.Matrix, spec mode.Spec, opts Options, split splitFunc) ([]*Dataset, error) {
	sub := m.Select(spec.FeatureGroups)
	rows := sub.Rows
	if spec.Historical() && opts.RequireFullLags {
		need := m.Manifest.MaxLag()
		kept := rows[:0:0]
		for _, r := range rows {
			if r.HistoryDays >= need {
				kept = append(kept, r)
			}
		}
		rows = kept
	}

	parts, err := partitions(rows, spec, opts.Cities)
	if err != nil {
		return nil, err
	}

	var targetSets [][]string
	if spec.Multi() {
		targetSets = [][]string{spec.Targets}
	} else {
		for _, t := range spec.Targets {
			targetSets = append(targetSets, []string{t})
		}
	}

	var out []*Dataset
	for _, p := range parts {
		for _, targets := range targetSets {
			complete := withTargets(p.rows, targets)
			d := &Dataset{
				Mode:      spec,
				Partition: p.name,
				Targets:   append([]string(nil), targets...),
				Manifest:  sub.Manifest,
			}
			train, val, test, err := split(complete)
			if err != nil {
				return nil, eris.Wrapf(err, "dataset: %s %s", spec.Code, d.Key())
			}
			d.Train, d.Validation, d.Test = train, val, test
			out = append(out, d)
		}
	}
	return out, nil
}

type partition struct {
	name string
	rows []features.Row
}

func partitions(rows []features.Row, spec mode.Spec, cities []string) ([]partition, error) {
	if !spec.PerCity() {
		return []partition{{rows: rows}}, nil
	}
	byCity := make(map[string][]features.Row)
	for _, r := range rows {
		byCity[r.City] = append(byCity[r.City], r)
	}
	var names []string
	if len(cities) > 0 {
		for _, c := range cities {
			names = append(names, features.NormalizeCity(c))
		}
	} else {
		for c := range byCity {
			names = append(names, c)
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, eris.Wrapf(model.ErrDataInsufficient, "dataset: %s has no city partitions", spec.Code)
	}
	out := make([]partition, 0, len(names))
	for _, n := range names {
		out = append(out, partition{name: n, rows: byCity[n]})
	}
	return out, nil
}

func withTargets(rows []features.Row, targets []string) []features.Row {
	out := make([]features.Row, 0, len(rows))
	for _, r := range rows {
		ok := true
		for _, t := range targets {
			if _, has := r.Targets[t]; !has {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, r)
		}
	}
	return out
}

// cut splits rows at a single date threshold: the date of the row at index
// floor(n*(1-frac)) in chronological order. Every row on or after that date
// lands in the tail, so head and tail never share a date.
func cut(rows []features.Row, frac float64) (head, tail []features.Row, err error) {
	sorted := append([]features.Row(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].City < sorted[j].City
	})
	n := len(sorted)
	idx := int(float64(n) * (1 - frac))
	if n == 0 || idx <= 0 || idx >= n {
		return nil, nil, eris.Wrapf(model.ErrDataInsufficient, "dataset: %d rows cannot be split at %.2f", n, frac)
	}
	threshold := sorted[idx].Date
	split := sort.Search(n, func(i int) bool { return !sorted[i].Date.Before(threshold) })
	if split == 0 {
		return nil, nil, eris.Wrapf(model.ErrDataInsufficient, "dataset: all %d rows fall on or after %s", n, threshold.Format(model.DateLayout))
	}
	return sorted[:split], sorted[split:], nil
}
