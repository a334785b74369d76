package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/airq-cli/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage the observation store used by Historical-mode inference",
}

var historyLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Bulk-load a merged table into the postgres history store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("history"); err != nil {
			return err
		}

		dataPath, _ := cmd.Flags().GetString("data")
		records, err := loadTable(ctx, dataPath)
		if err != nil {
			return err
		}

		pg, err := history.NewPostgres(ctx, cfg.History.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := pg.Migrate(ctx); err != nil {
			return err
		}

		var n int64
		if appendOnly, _ := cmd.Flags().GetBool("append"); appendOnly {
			n, err = pg.Append(ctx, records)
		} else {
			n, err = pg.Load(ctx, records)
		}
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(os.Stdout, "Loaded %d observations from %d records\n", n, len(records))
		return nil
	},
}

func init() {
	historyLoadCmd.Flags().String("data", "", "merged table path or URL (default data.path)")
	historyLoadCmd.Flags().Bool("append", false, "COPY rows without upserting; fails on existing (city, date) rows")

	historyCmd.AddCommand(historyLoadCmd)
	rootCmd.AddCommand(historyCmd)
}
