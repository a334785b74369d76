package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/airq-cli/internal/monitoring"
	"github.com/sells-group/airq-cli/internal/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Retrain production models on a cron schedule",
	Long:  "Refits the newest finalized experiment's best configuration on schedule.cron and publishes a new version each time. Versions are never promoted automatically.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if spec, _ := cmd.Flags().GetString("cron"); spec != "" {
			cfg.Schedule.Cron = spec
		}
		if err := cfg.Validate("schedule"); err != nil {
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
		sched, err := schedule.New(cfg.Schedule.Cron, job)
		if err != nil {
			return err
		}

		if cfg.Monitoring.WebhookURL != "" {
			alerter := monitoring.NewAlerter(cfg.Monitoring)
			sched.OnRun(func(runCtx context.Context, status schedule.Status) {
				if alert := alerter.RetrainAlert(status); alert != nil {
					alerter.SendAlerts(context.WithoutCancel(runCtx), []monitoring.Alert{*alert})
				}
			})
		}

		sched.Start(ctx)
		if now, _ := cmd.Flags().GetBool("now"); now {
			sched.RunOnce()
		}
		<-ctx.Done()

		zap.L().Info("stopping scheduler, waiting for a running job")
		<-sched.Stop().Done()
		status := sched.Status()
		zap.L().Info("scheduler stopped",
			zap.Int("successful", status.Successful),
			zap.Int("failed", status.Failed),
			zap.Int("skipped", status.Skipped),
		)
		return nil
	},
}

func init() {
	addRetrainFlags(scheduleCmd)
	scheduleCmd.Flags().String("cron", "", "five-field cron spec (default schedule.cron)")
	scheduleCmd.Flags().Bool("now", false, "run once immediately before waiting for the schedule")
	rootCmd.AddCommand(scheduleCmd)
}
