// Package model defines the shared domain types for the air-quality
// experiment and production pipeline.
package model

import (
	"math"
	"time"
)

// DateLayout is the canonical calendar-day format used in tables, manifests and requests.
const DateLayout = "2006-01-02"

// Pollutant identifiers as they appear in the merged input table.
const (
	PM25 = "pm25"
	PM10 = "pm10"
	O3   = "o3"
	NO2  = "no2"
	SO2  = "so2"
	CO   = "co"
)

// DefaultPollutants lists every pollutant column carried by the merged table.
var DefaultPollutants = []string{PM25, PM10, O3, NO2, SO2, CO}

// DefaultWeather lists the core weather columns carried by the merged table.
var DefaultWeather = []string{
	"temp_avg_c",
	"temp_max_c",
	"temp_min_c",
	"dewpoint_c",
	"precip_mm",
	"wind_speed_kmh",
	"visibility_km",
	"station_pressure_hpa",
}

// RawRecord is one (city, day) row of the merged weather + pollutant table.
// Missing measurements are absent from the maps (or NaN).
type RawRecord struct {
	City       string             `json:"city"`
	Date       time.Time          `json:"date"`
	Weather    map[string]float64 `json:"weather"`
	Pollutants map[string]float64 `json:"pollutants"`
	Flags      []string           `json:"flags,omitempty"`
}

// Value returns the named weather or pollutant measurement and whether it is present.
func (r RawRecord) Value(col string) (float64, bool) {
	if v, ok := r.Pollutants[col]; ok && !math.IsNaN(v) {
		return v, true
	}
	if v, ok := r.Weather[col]; ok && !math.IsNaN(v) {
		return v, true
	}
	return 0, false
}

// Day truncates t to midnight UTC so that dates compare as calendar days.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateRange is an inclusive span of calendar days.
type DateRange struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}
