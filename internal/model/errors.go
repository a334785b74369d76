package model

import (
	"github.com/rotisserie/eris"
)

// Error taxonomy shared by every pipeline stage. Callers classify with
// eris.Is against these sentinels; wrapping preserves the chain.
var (
	// ErrConfiguration marks an unknown mode, algorithm or invalid option. Fatal.
	ErrConfiguration = eris.New("configuration error")
	// ErrDataInsufficient marks an empty split or a partition with too few rows.
	ErrDataInsufficient = eris.New("data insufficient")
	// ErrExperimentRun marks a single matrix cell whose fit or predict failed.
	ErrExperimentRun = eris.New("experiment run failed")
	// ErrSchemaMismatch marks a feature vector that does not match a model manifest.
	ErrSchemaMismatch = eris.New("schema mismatch")
	// ErrBudgetExhausted marks an automated search that produced no trained candidate.
	ErrBudgetExhausted = eris.New("search budget exhausted")
	// ErrModelNotFound marks a missing production version or partition model.
	ErrModelNotFound = eris.New("model not found")
	// ErrUnknownPollutant marks an AQI lookup for a pollutant without breakpoints.
	ErrUnknownPollutant = eris.New("unknown pollutant")
)

// ErrorKind names the taxonomy class of err, or "internal" when err does
// not wrap any known sentinel. Empty for a nil error.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case eris.Is(err, ErrConfiguration):
		return "configuration"
	case eris.Is(err, ErrDataInsufficient):
		return "data_insufficient"
	case eris.Is(err, ErrBudgetExhausted):
		return "budget_exhausted"
	case eris.Is(err, ErrSchemaMismatch):
		return "schema_mismatch"
	case eris.Is(err, ErrModelNotFound):
		return "model_not_found"
	case eris.Is(err, ErrUnknownPollutant):
		return "unknown_pollutant"
	case eris.Is(err, ErrExperimentRun):
		return "experiment_run"
	default:
		return "internal"
	}
}
