// Package aqi converts pollutant concentrations to the US EPA Air Quality
// Index.
package aqi

import (
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/airq-cli/internal/model"
)

// Max is the top of the index scale.
const Max = 500

// Breakpoint maps a concentration interval onto an index interval.
type Breakpoint struct {
	CLow  float64 `json:"c_low"`
	CHigh float64 `json:"c_high"`
	ILow  int     `json:"i_low"`
	IHigh int     `json:"i_high"`
}

type table struct {
	// decimals is the EPA truncation precision for the pollutant.
	decimals    int
	breakpoints []Breakpoint
}

// Units: µg/m³ for particulates, ppm for gases.
var tables = map[string]table{
	model.PM25: {1, []Breakpoint{
		{0.0, 12.0, 0, 50},
		{12.1, 35.4, 51, 100},
		{35.5, 55.4, 101, 150},
		{55.5, 150.4, 151, 200},
		{150.5, 250.4, 201, 300},
		{250.5, 500.4, 301, 500},
	}},
	model.PM10: {0, []Breakpoint{
		{0, 54, 0, 50},
		{55, 154, 51, 100},
		{155, 254, 101, 150},
		{255, 354, 151, 200},
		{355, 424, 201, 300},
		{425, 604, 301, 500},
	}},
	model.O3: {3, []Breakpoint{
		{0.000, 0.054, 0, 50},
		{0.055, 0.070, 51, 100},
		{0.071, 0.085, 101, 150},
		{0.086, 0.105, 151, 200},
		{0.106, 0.200, 201, 300},
	}},
	model.NO2: {3, []Breakpoint{
		{0.000, 0.053, 0, 50},
		{0.054, 0.100, 51, 100},
		{0.101, 0.360, 101, 150},
		{0.361, 0.649, 151, 200},
		{0.650, 1.249, 201, 300},
	}},
	model.SO2: {3, []Breakpoint{
		{0.000, 0.035, 0, 50},
		{0.036, 0.075, 51, 100},
		{0.076, 0.185, 101, 150},
		{0.186, 0.304, 151, 200},
		{0.305, 0.604, 201, 300},
	}},
	model.CO: {1, []Breakpoint{
		{0.0, 4.4, 0, 50},
		{4.5, 9.4, 51, 100},
		{9.5, 12.4, 101, 150},
		{12.5, 15.4, 151, 200},
		{15.5, 30.4, 201, 300},
		{30.5, 50.4, 301, 500},
	}},
}

// Pollutants lists the pollutants with breakpoints, sorted.
func Pollutants() []string {
	out := make([]string, 0, len(tables))
	for p := range tables {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Breakpoints returns a copy of the pollutant's breakpoint table.
func Breakpoints(pollutant string) ([]Breakpoint, error) {
	t, ok := tables[normalize(pollutant)]
	if !ok {
		return nil, eris.Wrapf(model.ErrUnknownPollutant, "aqi: %q", pollutant)
	}
	return append([]Breakpoint(nil), t.breakpoints...), nil
}

// Reading is the index of one pollutant concentration.
type Reading struct {
	Pollutant     string  `json:"pollutant"`
	Concentration float64 `json:"concentration"`
	// Truncated is the concentration after EPA truncation.
	Truncated float64    `json:"truncated"`
	AQI       int        `json:"aqi"`
	Segment   Breakpoint `json:"segment"`
	Category  Category   `json:"category"`
}

// Calculate returns the index of concentration c of pollutant. The
// concentration is truncated to the pollutant's reporting precision and
// interpolated linearly within its breakpoint segment. Negative values
// count as zero. Values past the top segment extrapolate along it and
// clamp at Max.
func Calculate(pollutant string, c float64) (Reading, error) {
	name := normalize(pollutant)
	t, ok := tables[name]
	if !ok {
		return Reading{}, eris.Wrapf(model.ErrUnknownPollutant, "aqi: %q", pollutant)
	}
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return Reading{}, eris.Errorf("aqi: %s concentration %v is not finite", name, c)
	}

	r := Reading{Pollutant: name, Concentration: c}
	r.Truncated = truncate(math.Max(c, 0), t.decimals)

	seg := t.breakpoints[len(t.breakpoints)-1]
	for _, bp := range t.breakpoints {
		if r.Truncated <= bp.CHigh {
			seg = bp
			break
		}
	}
	r.Segment = seg

	idx := float64(seg.IHigh-seg.ILow)/(seg.CHigh-seg.CLow)*(r.Truncated-seg.CLow) + float64(seg.ILow)
	r.AQI = int(math.Round(idx))
	if r.AQI > Max {
		r.AQI = Max
	}
	if r.AQI < 0 {
		r.AQI = 0
	}
	r.Category = CategoryOf(r.AQI)
	return r, nil
}

// Summary is the composite index of a multi-pollutant reading.
type Summary struct {
	AQI          int                `json:"aqi"`
	Dominant     string             `json:"dominant_pollutant"`
	Category     Category           `json:"category"`
	PerPollutant map[string]Reading `json:"per_pollutant"`
}

// Composite computes every pollutant's index independently and reports the
// maximum. Ties name the alphabetically first pollutant as dominant.
func Composite(concentrations map[string]float64) (Summary, error) {
	if len(concentrations) == 0 {
		return Summary{}, eris.New("aqi: no concentrations")
	}
	names := make([]string, 0, len(concentrations))
	for p := range concentrations {
		names = append(names, p)
	}
	sort.Strings(names)

	s := Summary{AQI: -1, PerPollutant: make(map[string]Reading, len(names))}
	for _, p := range names {
		r, err := Calculate(p, concentrations[p])
		if err != nil {
			return Summary{}, err
		}
		s.PerPollutant[r.Pollutant] = r
		if r.AQI > s.AQI {
			s.AQI = r.AQI
			s.Dominant = r.Pollutant
		}
	}
	s.Category = CategoryOf(s.AQI)
	return s, nil
}

func normalize(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "pm2.5", "pm2_5":
		return model.PM25
	}
	return p
}

func truncate(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	// The epsilon keeps values like 12.1 (stored as 12.0999…) from
	// truncating a step low.
	return math.Floor(v*scale+1e-9) / scale
}
