// Package mode is the static catalog of the eight prediction modes.
//
// A mode code is three letters: scope (G global / C city), temporal
// (T today / H historical) and output (M multi / S single). The code
// resolves to the feature groups the model may see and the targets it
// must predict.
package mode

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/airq-cli/internal/model"
)

// Scope selects whether cities are pooled into one model or trained apart.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeCity   Scope = "city"
)

// Temporal selects whether history-derived features are available.
type Temporal string

const (
	TemporalToday      Temporal = "today"
	TemporalHistorical Temporal = "historical"
)

// Output selects joint or per-pollutant target handling.
type Output string

const (
	OutputMulti  Output = "multi"
	OutputSingle Output = "single"
)

// Group tags an engineered feature column.
type Group string

const (
	GroupTime    Group = "time"
	GroupLag     Group = "lag"
	GroupRolling Group = "rolling"
	GroupStatic  Group = "static"
	GroupWeather Group = "weather"
)

// AllGroups lists feature groups in manifest order.
var AllGroups = []Group{GroupWeather, GroupTime, GroupStatic, GroupLag, GroupRolling}

// Codes lists the eight mode codes in canonical order.
var Codes = []string{"GTM", "GTS", "GHM", "GHS", "CTM", "CTS", "CHM", "CHS"}

// DefaultTargets are predicted when the caller declares none.
var DefaultTargets = []string{model.PM25, model.O3}

// Spec is a resolved mode.
type Spec struct {
	Code          string   `json:"code" yaml:"code"`
	Scope         Scope    `json:"scope" yaml:"scope"`
	Temporal      Temporal `json:"temporal" yaml:"temporal"`
	Output        Output   `json:"output" yaml:"output"`
	FeatureGroups []Group  `json:"feature_groups" yaml:"feature_groups"`
	Targets       []string `json:"targets" yaml:"targets"`
}

// Resolve returns the Spec for code using DefaultTargets.
func Resolve(code string) (Spec, error) {
	return ResolveWithTargets(code, DefaultTargets)
}

// ResolveWithTargets returns the Spec for code with the given declared targets.
// Unknown codes fail with model.ErrConfiguration.
func ResolveWithTargets(code string, targets []string) (Spec, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) != 3 {
		return Spec{}, eris.Wrapf(model.ErrConfiguration, "mode: unknown mode %q", code)
	}
	if len(targets) == 0 {
		return Spec{}, eris.Wrapf(model.ErrConfiguration, "mode: %s declares no targets", c)
	}

	s := Spec{Code: c}
	switch c[0] {
	case 'G':
		s.Scope = ScopeGlobal
	case 'C':
		s.Scope = ScopeCity
	default:
		return Spec{}, eris.Wrapf(model.ErrConfiguration, "mode: unknown mode %q", code)
	}
	switch c[1] {
	case 'T':
		s.Temporal = TemporalToday
	case 'H':
		s.Temporal = TemporalHistorical
	default:
		return Spec{}, eris.Wrapf(model.ErrConfiguration, "mode: unknown mode %q", code)
	}
	switch c[2] {
	case 'M':
		s.Output = OutputMulti
	case 'S':
		s.Output = OutputSingle
	default:
		return Spec{}, eris.Wrapf(model.ErrConfiguration, "mode: unknown mode %q", code)
	}

	s.FeatureGroups = []Group{GroupWeather, GroupTime}
	// A per-city model sees constant static attributes; they carry no signal.
	if s.Scope == ScopeGlobal {
		s.FeatureGroups = append(s.FeatureGroups, GroupStatic)
	}
	if s.Temporal == TemporalHistorical {
		s.FeatureGroups = append(s.FeatureGroups, GroupLag, GroupRolling)
	}
	s.Targets = append([]string(nil), targets...)
	return s, nil
}

// Includes reports whether g is one of the mode's feature groups.
func (s Spec) Includes(g Group) bool {
	for _, fg := range s.FeatureGroups {
		if fg == g {
			return true
		}
	}
	return false
}

// Historical reports whether the mode uses lag and rolling features.
func (s Spec) Historical() bool { return s.Temporal == TemporalHistorical }

// PerCity reports whether the mode trains one model per city.
func (s Spec) PerCity() bool { return s.Scope == ScopeCity }

// Multi reports whether all targets are predicted from one shared dataset.
func (s Spec) Multi() bool { return s.Output == OutputMulti }
