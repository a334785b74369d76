package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/airq-cli/internal/experiment"
	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/learn"
	"github.com/sells-group/airq-cli/internal/model"
	"github.com/sells-group/airq-cli/internal/monitoring"
	"github.com/sells-group/airq-cli/internal/store"
)

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Run and inspect mode x algorithm experiments",
}

// matrixFile overrides the configured experiment matrix.
type matrixFile struct {
	Modes      []string                `yaml:"modes"`
	Algorithms []string                `yaml:"algorithms"`
	Cities     []string                `yaml:"cities"`
	Params     map[string]learn.Params `yaml:"params"`
}

func readMatrixFile(path string) (*matrixFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read matrix file %s", path)
	}
	var m matrixFile
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(model.ErrConfiguration, "parse matrix file %s: %v", path, err)
	}
	return &m, nil
}

// -- experiment run --

var experimentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Train and score every (mode, algorithm) cell and select the best configurations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		params := map[learn.Algorithm]learn.Params{}
		if path, _ := cmd.Flags().GetString("matrix"); path != "" {
			mf, err := readMatrixFile(path)
			if err != nil {
				return err
			}
			if len(mf.Modes) > 0 {
				cfg.Experiment.Modes = mf.Modes
			}
			if len(mf.Algorithms) > 0 {
				cfg.Experiment.Algorithms = mf.Algorithms
			}
			if len(mf.Cities) > 0 {
				cfg.Experiment.Cities = mf.Cities
			}
			for name, p := range mf.Params {
				a, err := learn.ParseAlgorithm(name)
				if err != nil {
					return err
				}
				params[a] = p
			}
		}
		if modes, _ := cmd.Flags().GetStringSlice("modes"); len(modes) > 0 {
			cfg.Experiment.Modes = modes
		}
		if algs, _ := cmd.Flags().GetStringSlice("algorithms"); len(algs) > 0 {
			cfg.Experiment.Algorithms = algs
		}
		if err := cfg.Validate("experiment"); err != nil {
			return err
		}

		algs := make([]learn.Algorithm, 0, len(cfg.Experiment.Algorithms))
		for _, name := range cfg.Experiment.Algorithms {
			a, err := learn.ParseAlgorithm(name)
			if err != nil {
				return err
			}
			algs = append(algs, a)
		}
		transform, err := learn.ParseTransform(cfg.Features.TargetTransform)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		blobs, err := initBlobs(ctx)
		if err != nil {
			return err
		}

		dataPath, _ := cmd.Flags().GetString("data")
		records, err := loadTable(ctx, dataPath)
		if err != nil {
			return err
		}

		fcfg, err := featureConfig()
		if err != nil {
			return err
		}
		pipe, err := features.New(fcfg)
		if err != nil {
			return err
		}
		matrix, err := pipe.Transform(records)
		if err != nil {
			return err
		}

		runner, err := experiment.NewRunner(experiment.Config{
			Modes:        cfg.Experiment.Modes,
			Algorithms:   algs,
			Targets:      cfg.Features.Targets,
			Transform:    transform,
			Split:        splitOptions(),
			Concurrency:  cfg.Experiment.Concurrency,
			Seed:         cfg.Experiment.Seed,
			SearchBudget: time.Duration(cfg.Experiment.SearchBudgetSecs) * time.Second,
			Params:       params,
		}, st)
		if err != nil {
			return err
		}

		manifest, err := runner.Run(ctx, matrix)
		if err != nil {
			return err
		}
		if err := experiment.WriteDocuments(ctx, blobs, manifest); err != nil {
			return eris.Wrap(err, "experiment run: write documents")
		}

		formatExperimentResult(os.Stdout, manifest)
		if !manifest.Report.OK() {
			zap.L().Warn("experiment finished with failed modes",
				zap.String("experiment_id", manifest.ExperimentID),
				zap.Int("failed_modes", len(manifest.Report.FailedModes)),
			)
			alerter := monitoring.NewAlerter(cfg.Monitoring)
			alerter.SendAlerts(ctx, alerter.ExperimentAlerts(manifest))
		}
		return nil
	},
}

// -- experiment list --

var experimentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		finalized, _ := cmd.Flags().GetBool("finalized")
		limit, _ := cmd.Flags().GetInt("limit")

		exps, err := st.ListExperiments(ctx, store.ExperimentFilter{FinalizedOnly: finalized, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "experiment list")
		}
		if len(exps) == 0 {
			fmt.Fprintln(os.Stderr, "No experiments found.")
			return nil
		}
		formatExperimentList(os.Stdout, exps)
		return nil
	},
}

// -- experiment show --

var experimentShowCmd = &cobra.Command{
	Use:   "show <experiment-id>",
	Short: "Show an experiment's runs and selection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		m, err := st.GetExperiment(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "experiment show")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, m)
		}
		formatRuns(os.Stdout, m.Runs)
		if m.Finalized() {
			fmt.Fprintln(os.Stdout)
			formatExperimentResult(os.Stdout, m)
		}
		return nil
	},
}

func init() {
	experimentRunCmd.Flags().String("data", "", "merged table path or URL (default data.path)")
	experimentRunCmd.Flags().String("matrix", "", "YAML file overriding modes, algorithms, cities and params")
	experimentRunCmd.Flags().StringSlice("modes", nil, "mode codes to run (default experiment.modes)")
	experimentRunCmd.Flags().StringSlice("algorithms", nil, "algorithms to run (default experiment.algorithms)")

	experimentListCmd.Flags().Bool("finalized", false, "only finalized experiments")
	experimentListCmd.Flags().Int("limit", 20, "max number of experiments to display")

	experimentShowCmd.Flags().Bool("json", false, "print the full manifest as JSON")

	experimentCmd.AddCommand(experimentRunCmd)
	experimentCmd.AddCommand(experimentListCmd)
	experimentCmd.AddCommand(experimentShowCmd)
	rootCmd.AddCommand(experimentCmd)
}

// formatExperimentResult prints the selection and the operator report.
func formatExperimentResult(out io.Writer, m *experiment.Manifest) {
	_, _ = fmt.Fprintf(out, "Experiment %s\n", m.ExperimentID)
	if m.Report != nil {
		_, _ = fmt.Fprintf(out, "Runs: %d succeeded, %d failed\n\n", m.Report.Succeeded, m.Report.Failed)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MODE\tALGORITHM\tVAL_RMSE\tVAL_R2\tTEST_RMSE\tTEST_R2")
	_, _ = fmt.Fprintln(w, "----\t---------\t--------\t------\t---------\t-------")
	codes := make([]string, 0, len(m.BestByMode))
	for code := range m.BestByMode {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		b := m.BestByMode[code]
		mark := ""
		if m.GlobalBest != nil && m.GlobalBest.Mode == code {
			mark = " *"
		}
		_, _ = fmt.Fprintf(w, "%s%s\t%s\t%.4f\t%.4f\t%.4f\t%.4f\n",
			code, mark, b.Algorithm, b.Validation.RMSE, b.Validation.R2, b.Test.RMSE, b.Test.R2)
	}
	_ = w.Flush()

	if m.Report == nil || m.Report.OK() {
		return
	}
	_, _ = fmt.Fprintln(out, "\nModes with no successful run:")
	for _, f := range m.Report.FailedModes {
		kinds := make([]string, 0, len(f.Failures))
		for k, n := range f.Failures {
			kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
		}
		sort.Strings(kinds)
		_, _ = fmt.Fprintf(out, "  %s (%d runs): %s\n", f.Mode, f.Runs, strings.Join(kinds, ", "))
		if f.Sample != "" {
			_, _ = fmt.Fprintf(out, "    first error: %s\n", f.Sample)
		}
	}
}

// formatExperimentList writes a tabular list of experiments to out.
func formatExperimentList(out io.Writer, exps []experiment.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCREATED\tFINALIZED\tMODES\tRUNS\tSUCCEEDED\tGLOBAL_BEST")
	_, _ = fmt.Fprintln(w, "--\t-------\t---------\t-----\t----\t---------\t-----------")
	for _, e := range exps {
		finalized := "-"
		if e.FinalizedAt != nil {
			finalized = e.FinalizedAt.Format("2006-01-02 15:04")
		}
		best := e.GlobalBest
		if best == "" {
			best = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			e.ExperimentID,
			e.CreatedAt.Format("2006-01-02 15:04"),
			finalized,
			len(e.Modes),
			e.Runs,
			e.Succeeded,
			best,
		)
	}
	_ = w.Flush()
}

// formatRuns writes one line per matrix cell, in cell order.
func formatRuns(out io.Writer, runs []experiment.Run) {
	sorted := append([]experiment.Run(nil), runs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CellIndex < sorted[j].CellIndex })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CELL\tMODE\tALGORITHM\tSTATUS\tVAL_RMSE\tTEST_RMSE\tROWS\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "----\t----\t---------\t------\t--------\t---------\t----\t--------\t-----")
	for _, r := range sorted {
		valRMSE, testRMSE, errText := "-", "-", ""
		if r.Succeeded() {
			valRMSE = fmt.Sprintf("%.4f", r.Validation.RMSE)
			testRMSE = fmt.Sprintf("%.4f", r.Test.RMSE)
		} else {
			errText = r.ErrorKind
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.CellIndex,
			r.Mode,
			r.Algorithm,
			r.Status,
			valRMSE,
			testRMSE,
			r.TrainRows,
			(time.Duration(r.DurationMS) * time.Millisecond).String(),
			errText,
		)
	}
	_ = w.Flush()
}
