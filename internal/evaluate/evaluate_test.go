package evaluate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	truth := []float64{1, 2, 3, 4}
	pred := []float64{1, 2, 3, 6}

	m, err := Score(truth, pred)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.RMSE, 1e-12)
	assert.InDelta(t, 0.5, m.MAE, 1e-12)
	// SSres = 4, SStot = 5
	assert.InDelta(t, 1-4.0/5.0, m.R2, 1e-12)
	assert.Equal(t, 4, m.N)
}

func TestScore_Perfect(t *testing.T) {
	m, err := Score([]float64{3, 5, 7}, []float64{3, 5, 7})
	require.NoError(t, err)
	assert.Zero(t, m.RMSE)
	assert.InDelta(t, 1.0, m.R2, 1e-12)
}

func TestScore_ConstantTruth(t *testing.T) {
	m, err := Score([]float64{2, 2, 2}, []float64{1, 2, 3})
	require.NoError(t, err)
	assert.False(t, math.IsNaN(m.R2))
	assert.Zero(t, m.R2)
}

func TestScore_Errors(t *testing.T) {
	_, err := Score([]float64{1}, []float64{1, 2})
	assert.Error(t, err)
	_, err = Score(nil, nil)
	assert.Error(t, err)
}

func TestMean(t *testing.T) {
	m := Mean([]Metrics{{RMSE: 2, MAE: 1, R2: 0.5, N: 10}, {RMSE: 4, MAE: 3, R2: 0.7, N: 5}})
	assert.InDelta(t, 3.0, m.RMSE, 1e-12)
	assert.InDelta(t, 2.0, m.MAE, 1e-12)
	assert.InDelta(t, 0.6, m.R2, 1e-12)
	assert.Equal(t, 15, m.N)
	assert.Equal(t, Metrics{}, Mean(nil))
}
