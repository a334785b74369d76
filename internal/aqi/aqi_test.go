package aqi

import (
	"math"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/airq-cli/internal/model"
)

func aqiOf(t *testing.T, pollutant string, c float64) int {
	t.Helper()
	r, err := Calculate(pollutant, c)
	require.NoError(t, err)
	return r.AQI
}

func TestCalculate_PM25Breakpoints(t *testing.T) {
	tests := []struct {
		conc float64
		want int
	}{
		{0, 0},
		{12.0, 50},
		{12.1, 51},
		{35.4, 100},
		{35.5, 101},
		{55.4, 150},
		{150.4, 200},
		{250.4, 300},
		{500.4, 500},
		{501, 500},
		{9999, 500},
		{-3, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, aqiOf(t, model.PM25, tt.conc), "pm25=%v", tt.conc)
	}
}

func TestCalculate_Truncation(t *testing.T) {
	// 12.05 truncates to 12.0, not up into the next segment.
	r, err := Calculate(model.PM25, 12.05)
	require.NoError(t, err)
	assert.Equal(t, 12.0, r.Truncated)
	assert.Equal(t, 50, r.AQI)

	r, err = Calculate(model.O3, 0.0709)
	require.NoError(t, err)
	assert.InDelta(t, 0.070, r.Truncated, 1e-12)
	assert.Equal(t, 100, r.AQI)

	assert.Equal(t, 50, aqiOf(t, model.PM10, 54.9))
}

func TestCalculate_Interpolates(t *testing.T) {
	// (100-51)/(35.4-12.1)*(20-12.1)+51 = 67.6
	r, err := Calculate("PM2.5", 20)
	require.NoError(t, err)
	assert.Equal(t, model.PM25, r.Pollutant)
	assert.Equal(t, 68, r.AQI)
	assert.Equal(t, 12.1, r.Segment.CLow)
	assert.Equal(t, "Moderate", r.Category.Label)
}

func TestCalculate_GasTopSegmentClamps(t *testing.T) {
	assert.Equal(t, 300, aqiOf(t, model.O3, 0.200))
	assert.Equal(t, Max, aqiOf(t, model.O3, 0.9))
	assert.Equal(t, 50, aqiOf(t, model.CO, 4.4))
}

func TestCalculate_Errors(t *testing.T) {
	_, err := Calculate("radon", 1)
	assert.True(t, eris.Is(err, model.ErrUnknownPollutant))

	_, err = Calculate(model.PM25, math.NaN())
	assert.Error(t, err)

	_, err = Breakpoints("radon")
	assert.True(t, eris.Is(err, model.ErrUnknownPollutant))
}

func TestComposite_IsMaxOfIndependentIndices(t *testing.T) {
	in := map[string]float64{model.PM25: 40, model.O3: 0.09, model.CO: 2}
	s, err := Composite(in)
	require.NoError(t, err)

	maxAQI := 0
	for p, c := range in {
		if v := aqiOf(t, p, c); v > maxAQI {
			maxAQI = v
		}
	}
	assert.Equal(t, maxAQI, s.AQI)
	assert.Equal(t, model.O3, s.Dominant)
	assert.Equal(t, "Unhealthy", s.Category.Label)
	assert.Len(t, s.PerPollutant, 3)
}

func TestComposite_TieNamesFirstPollutant(t *testing.T) {
	s, err := Composite(map[string]float64{model.PM25: 12.0, model.PM10: 54})
	require.NoError(t, err)
	assert.Equal(t, 50, s.AQI)
	assert.Equal(t, model.PM10, s.Dominant)
}

func TestComposite_Errors(t *testing.T) {
	_, err := Composite(nil)
	assert.Error(t, err)

	_, err = Composite(map[string]float64{model.PM25: 10, "radon": 3})
	assert.True(t, eris.Is(err, model.ErrUnknownPollutant))
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, "Good", CategoryOf(0).Label)
	assert.Equal(t, "Good", CategoryOf(50).Label)
	assert.Equal(t, "Moderate", CategoryOf(51).Label)
	assert.Equal(t, "Unhealthy for Sensitive Groups", CategoryOf(150).Label)
	assert.Equal(t, "Hazardous", CategoryOf(500).Label)
	assert.Equal(t, "Hazardous", CategoryOf(900).Label)
	assert.Equal(t, "#FF0000", CategoryOf(175).Color)
	assert.NotEmpty(t, CategoryOf(10).Advice)
}

func TestPollutants(t *testing.T) {
	assert.Equal(t, []string{model.CO, model.NO2, model.O3, model.PM10, model.PM25, model.SO2}, Pollutants())
}
