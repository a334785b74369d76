package dataset

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/mode"
	"github.com/sells-group/airq-cli/internal/model"
)

var day0 = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

func records(city string, start, n int) []model.RawRecord {
	out := make([]model.RawRecord, n)
	for i := range out {
		d := start + i
		out[i] = model.RawRecord{
			City:    city,
			Date:    day0.AddDate(0, 0, d),
			Weather: map[string]float64{"temp_avg_c": float64(d % 20), "wind_speed_kmh": 5},
			Pollutants: map[string]float64{
				model.PM25: 20 + float64(d%11),
				model.O3:   0.02 + float64(d%5)/1000,
			},
		}
	}
	return out
}

func matrix(t *testing.T, recs []model.RawRecord) *features.Matrix {
	t.Helper()
	cfg := features.DefaultConfig()
	p, err := features.New(cfg)
	require.NoError(t, err)
	m, err := p.Transform(recs)
	require.NoError(t, err)
	return m
}

func assertOrdered(t *testing.T, d *Dataset) {
	t.Helper()
	tr, va, te := d.Train.DateRange(), d.Validation.DateRange(), d.Test.DateRange()
	assert.True(t, tr.End.Before(va.Start), "%s train %s >= val %s", d.Key(), tr.End, va.Start)
	assert.True(t, va.End.Before(te.Start), "%s val %s >= test %s", d.Key(), va.End, te.Start)
}

func TestBuild_SingleCityThousandDays(t *testing.T) {
	m := matrix(t, records("Beijing", 0, 1000))
	spec, err := mode.Resolve("GHM")
	require.NoError(t, err)

	ds, err := Build(m, spec, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, ds, 1)
	d := ds[0]

	total := d.Train.Len() + d.Validation.Len() + d.Test.Len()
	assert.Equal(t, 993, total)
	assert.Equal(t, 199, d.Test.Len())
	assert.Equal(t, 794, d.Train.Len()+d.Validation.Len())
	assertOrdered(t, d)
	assert.Equal(t, []string{model.PM25, model.O3}, d.Targets)
	assert.Len(t, d.Train.X()[0], len(d.Manifest.Columns))
}

func TestBuild_TodayModeKeepsEarlyRows(t *testing.T) {
	m := matrix(t, records("Beijing", 0, 100))
	spec, err := mode.Resolve("GTM")
	require.NoError(t, err)

	ds, err := Build(m, spec, DefaultOptions())
	require.NoError(t, err)
	d := ds[0]
	assert.Equal(t, 100, d.Train.Len()+d.Validation.Len()+d.Test.Len())
	for _, c := range d.Manifest.Columns {
		assert.NotEqual(t, mode.GroupLag, c.Group)
		assert.NotEqual(t, mode.GroupRolling, c.Group)
	}
}

func TestBuild_AllModesOrdered(t *testing.T) {
	recs := append(records("Beijing", 0, 200), records("Chicago", 30, 200)...)
	m := matrix(t, recs)
	for _, code := range mode.Codes {
		spec, err := mode.Resolve(code)
		require.NoError(t, err)
		ds, err := Build(m, spec, DefaultOptions())
		require.NoError(t, err, code)
		for _, d := range ds {
			assertOrdered(t, d)
		}
	}
}

func TestBuild_ShapeByMode(t *testing.T) {
	recs := append(records("Beijing", 0, 120), records("Chicago", 0, 120)...)
	m := matrix(t, recs)

	tests := []struct {
		code string
		keys []string
	}{
		{"GTM", []string{"*/pm25+o3"}},
		{"GTS", []string{"*/pm25", "*/o3"}},
		{"CTM", []string{"Beijing/pm25+o3", "Chicago/pm25+o3"}},
		{"CHS", []string{"Beijing/pm25", "Beijing/o3", "Chicago/pm25", "Chicago/o3"}},
	}
	for _, tt := range tests {
		spec, err := mode.Resolve(tt.code)
		require.NoError(t, err)
		ds, err := Build(m, spec, DefaultOptions())
		require.NoError(t, err)
		var keys []string
		for _, d := range ds {
			keys = append(keys, d.Key())
		}
		assert.Equal(t, tt.keys, keys, tt.code)
	}
}

func TestBuild_TargetCompleteness(t *testing.T) {
	recs := records("Beijing", 0, 150)
	for i := 0; i < len(recs); i += 3 {
		delete(recs[i].Pollutants, model.O3)
	}
	m := matrix(t, recs)

	multi, err := mode.Resolve("GTM")
	require.NoError(t, err)
	ds, err := Build(m, multi, DefaultOptions())
	require.NoError(t, err)
	for _, s := range []Set{ds[0].Train, ds[0].Validation, ds[0].Test} {
		for _, r := range s.Rows {
			assert.Contains(t, r.Targets, model.O3)
			assert.Contains(t, r.Targets, model.PM25)
		}
	}
	multiRows := ds[0].Train.Len() + ds[0].Validation.Len() + ds[0].Test.Len()
	assert.Equal(t, 100, multiRows)

	single, err := mode.Resolve("GTS")
	require.NoError(t, err)
	ds, err = Build(m, single, DefaultOptions())
	require.NoError(t, err)
	pm := ds[0]
	assert.Equal(t, 150, pm.Train.Len()+pm.Validation.Len()+pm.Test.Len())
}

func TestBuild_GlobalPooledThreshold(t *testing.T) {
	// Chicago's coverage ends 60 days before Beijing's, so the pooled cut
	// leaves it with almost no test rows.
	recs := append(records("Beijing", 0, 300), records("Chicago", 0, 240)...)
	m := matrix(t, recs)
	spec, err := mode.Resolve("GTS")
	require.NoError(t, err)

	ds, err := Build(m, spec, DefaultOptions())
	require.NoError(t, err)
	d := ds[0]
	assertOrdered(t, d)

	test := d.Test.CityCounts()
	train := d.Train.CityCounts()
	bjFrac := float64(test["Beijing"]) / 300
	chiFrac := float64(test["Chicago"]) / 240
	assert.Greater(t, bjFrac, chiFrac)
	assert.Greater(t, train["Chicago"], 0)

	// City scope cuts each city at its own threshold.
	cityMode, err := mode.Resolve("CTS")
	require.NoError(t, err)
	ds, err = Build(m, cityMode, DefaultOptions())
	require.NoError(t, err)
	for _, cd := range ds {
		assert.InDelta(t, 0.2, float64(cd.Test.Len())/float64(cd.Train.Len()+cd.Validation.Len()+cd.Test.Len()), 0.01, cd.Key())
	}
}

func TestBuild_CityRestriction(t *testing.T) {
	recs := append(records("Beijing", 0, 60), records("Chicago", 0, 60)...)
	m := matrix(t, recs)
	spec, err := mode.Resolve("CTM")
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Cities = []string{"chicago"}
	ds, err := Build(m, spec, opts)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "Chicago", ds[0].Partition)

	opts.Cities = []string{"Atlantis"}
	_, err = Build(m, spec, opts)
	assert.True(t, eris.Is(err, model.ErrDataInsufficient))
}

func TestBuild_InsufficientData(t *testing.T) {
	m := matrix(t, records("Beijing", 0, 3))
	spec, err := mode.Resolve("GHM")
	require.NoError(t, err)

	_, err = Build(m, spec, DefaultOptions())
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrDataInsufficient))
}

func TestBuild_RejectsFractions(t *testing.T) {
	m := matrix(t, records("Beijing", 0, 30))
	spec, err := mode.Resolve("GTM")
	require.NoError(t, err)

	_, err = Build(m, spec, Options{TestFraction: 1.2, ValidationFraction: 0.2})
	assert.True(t, eris.Is(err, model.ErrConfiguration))
	_, err = Build(m, spec, Options{TestFraction: 0.2})
	assert.True(t, eris.Is(err, model.ErrConfiguration))
}

func TestBuildFull(t *testing.T) {
	m := matrix(t, records("Beijing", 0, 1000))
	spec, err := mode.Resolve("GHS")
	require.NoError(t, err)

	ds, err := BuildFull(m, spec, DefaultOptions(), 0)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, 993, ds[0].Train.Len())
	assert.Zero(t, ds[0].Test.Len())

	ds, err = BuildFull(m, spec, DefaultOptions(), 0.1)
	require.NoError(t, err)
	assert.Equal(t, 100, ds[0].Test.Len())
	assert.True(t, ds[0].Train.DateRange().End.Before(ds[0].Test.DateRange().Start))
}
