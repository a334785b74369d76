package features

import (
	"math"
	"time"
)

// timeColumns lists the calendar features in manifest order.
var timeColumns = []string{
	"day_of_year_sin",
	"day_of_year_cos",
	"month_sin",
	"month_cos",
	"day_of_week",
	"is_weekend",
	"is_heating_season",
}

// timeValues encodes the calendar position of d. Day-of-year and month are
// mapped onto the unit circle so Dec 31 sits next to Jan 1.
func timeValues(d time.Time) []float64 {
	doy := 2 * math.Pi * float64(d.YearDay()) / 365.25
	mon := 2 * math.Pi * float64(d.Month()) / 12
	// Monday = 0.
	dow := (int(d.Weekday()) + 6) % 7
	return []float64{
		math.Sin(doy),
		math.Cos(doy),
		math.Sin(mon),
		math.Cos(mon),
		float64(dow),
		boolFloat(dow >= 5),
		boolFloat(heatingSeason(d)),
	}
}

// heatingSeason is the fixed northern heating period, Nov 15 through Mar 15.
func heatingSeason(d time.Time) bool {
	m, day := d.Month(), d.Day()
	switch {
	case m == time.November:
		return day >= 15
	case m == time.December, m == time.January, m == time.February:
		return true
	case m == time.March:
		return day <= 15
	}
	return false
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
