package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/airq-cli/internal/blob"
	"github.com/sells-group/airq-cli/internal/model"
	"github.com/sells-group/airq-cli/internal/production"
	"github.com/sells-group/airq-cli/internal/schedule"
	"github.com/sells-group/airq-cli/internal/store"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Refit a selected configuration on all data and publish a production version",
	Long:  "Reads best_config.yaml of an experiment, refits the chosen mode's configuration on the full table and publishes a new model version. The version is not promoted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("train"); err != nil {
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

		job, err := retrainJob(cmd, st, blobs)
		if err != nil {
			return err
		}
		b, err := job.Run(ctx)
		if err != nil {
			return err
		}

		formatBundle(os.Stdout, b)
		_, _ = fmt.Fprintf(os.Stdout, "\nPromote with: airq models promote %s --confirm\n", b.VersionID)
		return nil
	},
}

// retrainJob builds the refit job shared by train and schedule.
func retrainJob(cmd *cobra.Command, st store.Store, blobs blob.Store) (*schedule.Retrain, error) {
	expID, _ := cmd.Flags().GetString("experiment")
	modeCode, _ := cmd.Flags().GetString("mode")
	dataPath, _ := cmd.Flags().GetString("data")
	holdout, _ := cmd.Flags().GetFloat64("holdout")
	if holdout < 0 {
		holdout = cfg.Experiment.HoldoutFraction
	}

	cat, err := cityCatalog()
	if err != nil {
		return nil, err
	}
	trainer := production.NewTrainer(production.TrainerConfig{
		Catalog: cat,
		Split:   splitOptions(),
		Holdout: holdout,
	}, blobs)

	return &schedule.Retrain{
		Experiments:  st,
		Blobs:        blobs,
		Trainer:      trainer,
		ExperimentID: expID,
		Mode:         modeCode,
		Load: func(ctx context.Context) ([]model.RawRecord, error) {
			return loadTable(ctx, dataPath)
		},
	}, nil
}

func addRetrainFlags(cmd *cobra.Command) {
	cmd.Flags().String("experiment", "", "experiment id (default newest finalized)")
	cmd.Flags().String("mode", "", "mode whose best configuration is refit (default global best)")
	cmd.Flags().String("data", "", "merged table path or URL (default data.path)")
	cmd.Flags().Float64("holdout", -1, "latest fraction held out for a sanity score (default experiment.holdout_fraction)")
}

func init() {
	addRetrainFlags(trainCmd)
	rootCmd.AddCommand(trainCmd)
}

// formatBundle prints a version's configuration, metrics and model files.
func formatBundle(out io.Writer, b *production.Bundle) {
	_, _ = fmt.Fprintf(out, "Version:     %s\n", b.VersionID)
	_, _ = fmt.Fprintf(out, "Created:     %s\n", b.CreatedAt.Format("2006-01-02 15:04:05"))
	_, _ = fmt.Fprintf(out, "Experiment:  %s\n", b.ExperimentID)
	_, _ = fmt.Fprintf(out, "Mode:        %s\n", b.Mode)
	_, _ = fmt.Fprintf(out, "Algorithm:   %s (transform %s)\n", b.Algorithm, b.Transform)
	_, _ = fmt.Fprintf(out, "Features:    %d columns\n", len(b.Features.Columns))
	_, _ = fmt.Fprintf(out, "Training:    %s to %s\n",
		b.TrainingRange.Start.Format(model.DateLayout), b.TrainingRange.End.Format(model.DateLayout))
	_, _ = fmt.Fprintf(out, "Metrics:     %s\n\n", b.MetricsScope)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TARGET\tRMSE\tMAE\tR2\tN")
	targets := make([]string, 0, len(b.Metrics))
	for t := range b.Metrics {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	for _, t := range targets {
		m := b.Metrics[t]
		_, _ = fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.4f\t%d\n", t, m.RMSE, m.MAE, m.R2, m.N)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PARTITION\tTARGETS\tFILE\tROWS")
	for _, f := range b.Models {
		part := f.Partition
		if part == "" {
			part = "global"
		}
		_, _ = fmt.Fprintf(w, "%s\t%v\t%s\t%d\n", part, f.Targets, f.File, f.TrainRows)
	}
	_ = w.Flush()
}
