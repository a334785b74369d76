package learn

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"
)

// LinearModel is a regularized linear regression on standardized features.
// Sentinel inputs are replaced by the training mean of their column.
type LinearModel struct {
	Sentinel  float64   `json:"sentinel"`
	Means     []float64 `json:"means"`
	Scales    []float64 `json:"scales"`
	Coef      []float64 `json:"coef"`
	Intercept float64   `json:"intercept"`
}

func (m *LinearModel) predict(x []float64) float64 {
	v := m.Intercept
	for j, c := range m.Coef {
		if c == 0 {
			continue
		}
		v += c * m.standardize(j, x[j])
	}
	return v
}

func (m *LinearModel) standardize(j int, v float64) float64 {
	if v == m.Sentinel || math.IsNaN(v) {
		return 0
	}
	return (v - m.Means[j]) / m.Scales[j]
}

// standardizer computes per-column mean and population std over non-sentinel
// values. Constant or all-missing columns get scale 1.
func standardizer(x [][]float64, sentinel float64) (means, scales []float64) {
	p := len(x[0])
	means = make([]float64, p)
	scales = make([]float64, p)
	for j := 0; j < p; j++ {
		var sum, sq float64
		n := 0
		for _, row := range x {
			v := row[j]
			if v == sentinel || math.IsNaN(v) {
				continue
			}
			sum += v
			n++
		}
		if n == 0 {
			scales[j] = 1
			continue
		}
		mean := sum / float64(n)
		for _, row := range x {
			v := row[j]
			if v == sentinel || math.IsNaN(v) {
				continue
			}
			sq += (v - mean) * (v - mean)
		}
		sd := math.Sqrt(sq / float64(n))
		if sd < 1e-12 {
			sd = 1
		}
		means[j], scales[j] = mean, sd
	}
	return means, scales
}

func newLinear(x [][]float64, sentinel float64) (*LinearModel, *mat.Dense) {
	n, p := len(x), len(x[0])
	means, scales := standardizer(x, sentinel)
	m := &LinearModel{Sentinel: sentinel, Means: means, Scales: scales, Coef: make([]float64, p)}
	z := mat.NewDense(n, p, nil)
	for i, row := range x {
		for j := range row {
			z.Set(i, j, m.standardize(j, row[j]))
		}
	}
	return m, z
}

func centered(y []float64) ([]float64, float64) {
	var mean float64
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))
	out := make([]float64, len(y))
	for i, v := range y {
		out[i] = v - mean
	}
	return out, mean
}

// fitRidge solves (ZᵀZ + αI)β = Zᵀ(y-ȳ).
func fitRidge(x [][]float64, y []float64, alpha float64, sentinel float64) (*LinearModel, error) {
	m, z := newLinear(x, sentinel)
	yc, ybar := centered(y)
	_, p := z.Dims()

	var a mat.Dense
	a.Mul(z.T(), z)
	for j := 0; j < p; j++ {
		a.Set(j, j, a.At(j, j)+alpha)
	}
	var b mat.VecDense
	b.MulVec(z.T(), mat.NewVecDense(len(yc), yc))

	var beta mat.VecDense
	if err := beta.SolveVec(&a, &b); err != nil {
		return nil, eris.Wrap(err, "learn: ridge solve")
	}
	for j := 0; j < p; j++ {
		m.Coef[j] = beta.AtVec(j)
	}
	m.Intercept = ybar
	return m, nil
}

// fitElasticNet minimizes
//
//	1/(2n)·‖y-ȳ-Zβ‖² + α·ρ·‖β‖₁ + α·(1-ρ)/2·‖β‖²
//
// by cyclic coordinate descent. ρ = 1 is the lasso.
func fitElasticNet(x [][]float64, y []float64, alpha, l1Ratio float64, maxIter int, tol float64, sentinel float64) *LinearModel {
	m, z := newLinear(x, sentinel)
	resid, ybar := centered(y)
	n, p := z.Dims()
	nf := float64(n)

	// Column squared norms / n; zero for columns with no signal.
	norms := make([]float64, p)
	for j := 0; j < p; j++ {
		col := mat.Col(nil, j, z)
		var s float64
		for _, v := range col {
			s += v * v
		}
		norms[j] = s / nf
	}

	l1 := alpha * l1Ratio
	l2 := alpha * (1 - l1Ratio)
	beta := m.Coef
	for iter := 0; iter < maxIter; iter++ {
		maxDelta := 0.0
		for j := 0; j < p; j++ {
			if norms[j] == 0 {
				continue
			}
			var rho float64
			for i := 0; i < n; i++ {
				rho += z.At(i, j) * (resid[i] + z.At(i, j)*beta[j])
			}
			rho /= nf
			next := softThreshold(rho, l1) / (norms[j] + l2)
			if d := next - beta[j]; d != 0 {
				for i := 0; i < n; i++ {
					resid[i] -= z.At(i, j) * d
				}
				if math.Abs(d) > maxDelta {
					maxDelta = math.Abs(d)
				}
				beta[j] = next
			}
		}
		if maxDelta < tol {
			break
		}
	}
	m.Intercept = ybar
	return m
}

func softThreshold(v, t float64) float64 {
	switch {
	case v > t:
		return v - t
	case v < -t:
		return v + t
	}
	return 0
}
