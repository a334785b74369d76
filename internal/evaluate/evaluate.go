// Package evaluate scores predictions against observed concentrations.
package evaluate

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Metrics are the regression scores for one target, or their mean across targets.
type Metrics struct {
	RMSE float64 `json:"rmse" yaml:"rmse"`
	MAE  float64 `json:"mae" yaml:"mae"`
	R2   float64 `json:"r2" yaml:"r2"`
	N    int     `json:"n" yaml:"n"`
}

// Score computes RMSE, MAE and R² of pred against truth.
func Score(truth, pred []float64) (Metrics, error) {
	if len(truth) != len(pred) {
		return Metrics{}, eris.Errorf("evaluate: length mismatch %d != %d", len(truth), len(pred))
	}
	n := len(truth)
	if n == 0 {
		return Metrics{}, eris.New("evaluate: no observations")
	}
	rmse := floats.Distance(truth, pred, 2) / math.Sqrt(float64(n))
	mae := floats.Distance(truth, pred, 1) / float64(n)

	// R² is undefined for a constant truth vector; report 0.
	r2 := 0.0
	if n > 1 && stat.Variance(truth, nil) > 0 {
		r2 = stat.RSquaredFrom(pred, truth, nil)
	}
	return Metrics{RMSE: rmse, MAE: mae, R2: r2, N: n}, nil
}

// Mean averages metrics component-wise. N is summed.
func Mean(ms []Metrics) Metrics {
	if len(ms) == 0 {
		return Metrics{}
	}
	var out Metrics
	for _, m := range ms {
		out.RMSE += m.RMSE
		out.MAE += m.MAE
		out.R2 += m.R2
		out.N += m.N
	}
	k := float64(len(ms))
	out.RMSE /= k
	out.MAE /= k
	out.R2 /= k
	return out
}
