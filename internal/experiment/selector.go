package experiment

import (
	"math"
	"sort"

	"github.com/sells-group/airq-cli/internal/learn"
	"github.com/sells-group/airq-cli/internal/model"
)

// Better reports whether a is strictly preferred over b. Keys, in order:
// lower validation RMSE, lower test RMSE, learn.Priority of the algorithm,
// lower cell index. The last key is unique within a manifest, so the order
// is total.
func Better(a, b Run) bool {
	if a.Validation.RMSE != b.Validation.RMSE {
		return a.Validation.RMSE < b.Validation.RMSE
	}
	if a.Test.RMSE != b.Test.RMSE {
		return a.Test.RMSE < b.Test.RMSE
	}
	if pa, pb := learn.Priority(a.Algorithm), learn.Priority(b.Algorithm); pa != pb {
		return pa < pb
	}
	return a.CellIndex < b.CellIndex
}

func selectable(r Run) bool {
	return r.Succeeded() && !math.IsNaN(r.Validation.RMSE) && !math.IsInf(r.Validation.RMSE, 0)
}

// SelectBest picks the best succeeded run of every mode. Modes without a
// succeeded run are absent from the result.
func SelectBest(runs []Run) map[string]*BestConfig {
	winners := make(map[string]Run)
	for _, r := range runs {
		if !selectable(r) {
			continue
		}
		if cur, ok := winners[r.Mode]; !ok || Better(r, cur) {
			winners[r.Mode] = r
		}
	}
	out := make(map[string]*BestConfig, len(winners))
	for code, r := range winners {
		out[code] = &BestConfig{
			Mode:       code,
			Algorithm:  r.Algorithm,
			Params:     r.Params,
			Transform:  r.Transform,
			Targets:    append([]string(nil), r.Targets...),
			Validation: r.Validation,
			Test:       r.Test,
			CellIndex:  r.CellIndex,
			Chosen:     append([]learn.Pin(nil), r.Chosen...),
		}
	}
	return out
}

// GlobalBest is the cross-mode winner under the same ordering as Better.
// It is informational; nothing promotes it automatically.
func GlobalBest(best map[string]*BestConfig) *BestConfig {
	var out *BestConfig
	for _, code := range sortedKeys(best) {
		b := best[code]
		if out == nil || Better(b.run(), out.run()) {
			out = b
		}
	}
	return out
}

func (b *BestConfig) run() Run {
	return Run{
		CellIndex:  b.CellIndex,
		Mode:       b.Mode,
		Algorithm:  b.Algorithm,
		Validation: b.Validation,
		Test:       b.Test,
	}
}

// BuildReport lists every configured mode that has no succeeded run,
// with failures counted by error kind.
func BuildReport(modes []string, runs []Run) *Report {
	rep := &Report{}
	byMode := make(map[string][]Run)
	for _, r := range runs {
		byMode[r.Mode] = append(byMode[r.Mode], r)
		if r.Succeeded() {
			rep.Succeeded++
		} else {
			rep.Failed++
		}
	}
	for _, code := range modes {
		rs := byMode[code]
		ok := false
		for _, r := range rs {
			if selectable(r) {
				ok = true
				break
			}
		}
		if ok {
			continue
		}
		mf := ModeFailure{Mode: code, Runs: len(rs), Failures: map[string]int{}}
		for _, r := range rs {
			kind := r.ErrorKind
			if kind == "" {
				kind = model.ErrorKind(model.ErrExperimentRun)
			}
			mf.Failures[kind]++
			if mf.Sample == "" {
				mf.Sample = r.Error
			}
		}
		rep.FailedModes = append(rep.FailedModes, mf)
	}
	return rep
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
