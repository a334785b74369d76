// Package experiment runs the mode x algorithm matrix, records every cell
// in an append-only manifest and selects the best configuration per mode.
package experiment

import (
	"time"

	"github.com/sells-group/airq-cli/internal/evaluate"
	"github.com/sells-group/airq-cli/internal/learn"
)

// Status is the outcome of one matrix cell.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// TargetMetrics holds one target's scores, averaged across partitions.
type TargetMetrics struct {
	Validation evaluate.Metrics `json:"validation" yaml:"validation"`
	Test       evaluate.Metrics `json:"test" yaml:"test"`
}

// Run is the immutable record of one (mode, algorithm) cell.
type Run struct {
	CellIndex  int                      `json:"cell_index"`
	Mode       string                   `json:"mode"`
	Algorithm  learn.Algorithm          `json:"algorithm"`
	Params     learn.Params             `json:"params"`
	Transform  learn.Transform          `json:"transform"`
	Targets    []string                 `json:"targets"`
	Status     Status                   `json:"status"`
	ErrorKind  string                   `json:"error_kind,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Validation evaluate.Metrics         `json:"validation"`
	Test       evaluate.Metrics         `json:"test"`
	PerTarget  map[string]TargetMetrics `json:"per_target,omitempty"`
	Partitions []string                 `json:"partitions,omitempty"`
	Chosen     []learn.Pin              `json:"chosen,omitempty"`
	Features   int                      `json:"features"`
	TrainRows  int                      `json:"train_rows"`
	ValRows    int                      `json:"validation_rows"`
	TestRows   int                      `json:"test_rows"`
	DurationMS int64                    `json:"duration_ms"`
	StartedAt  time.Time                `json:"started_at"`
}

// Succeeded reports whether the run may take part in selection.
func (r Run) Succeeded() bool { return r.Status == StatusSucceeded }

// Cell is one entry of the experiment matrix.
type Cell struct {
	Index     int
	Mode      string
	Algorithm learn.Algorithm
}

// Cells enumerates the matrix mode-major: index = modeIdx*len(algs) + algIdx.
func Cells(modes []string, algs []learn.Algorithm) []Cell {
	out := make([]Cell, 0, len(modes)*len(algs))
	for _, m := range modes {
		for _, a := range algs {
			out = append(out, Cell{Index: len(out), Mode: m, Algorithm: a})
		}
	}
	return out
}
