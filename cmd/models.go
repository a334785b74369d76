package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/airq-cli/internal/model"
	"github.com/sells-group/airq-cli/internal/production"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect and promote production model versions",
}

// -- models list --

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List published versions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		blobs, err := initBlobs(ctx)
		if err != nil {
			return err
		}

		bundles, err := production.NewRegistry(blobs).List(ctx)
		if err != nil {
			return eris.Wrap(err, "models list")
		}
		if len(bundles) == 0 {
			fmt.Fprintln(os.Stderr, "No published versions.")
			return nil
		}

		current := ""
		if p, err := st.CurrentPromotion(ctx); err == nil {
			current = p.VersionID
		} else if !eris.Is(err, model.ErrModelNotFound) {
			return eris.Wrap(err, "models list")
		}
		formatVersionList(os.Stdout, bundles, current)
		return nil
	},
}

// -- models show --

var modelsShowCmd = &cobra.Command{
	Use:   "show <version>",
	Short: "Show a version's configuration and metrics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		blobs, err := initBlobs(ctx)
		if err != nil {
			return err
		}
		b, err := production.NewRegistry(blobs).Get(ctx, args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, b)
		}
		formatBundle(os.Stdout, b)
		return nil
	},
}

// -- models promote --

var modelsPromoteCmd = &cobra.Command{
	Use:   "promote <version>",
	Short: "Make a version the one serving predictions",
	Long:  "Appends a promotion record. Promoting an older version rolls back.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if confirm, _ := cmd.Flags().GetBool("confirm"); !confirm {
			return eris.New("models promote: pass --confirm to promote a version")
		}
		note, _ := cmd.Flags().GetString("note")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		blobs, err := initBlobs(ctx)
		if err != nil {
			return err
		}

		p, err := production.NewRegistry(blobs).Promote(ctx, st, args[0], note)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(os.Stdout, "Promoted %s (mode %s) at %s\n",
			p.VersionID, p.Mode, p.PromotedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

// -- models promotions --

var modelsPromotionsCmd = &cobra.Command{
	Use:   "promotions",
	Short: "Show the promotion history, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		ps, err := st.ListPromotions(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "models promotions")
		}
		if len(ps) == 0 {
			fmt.Fprintln(os.Stderr, "No promotions recorded.")
			return nil
		}
		formatPromotions(os.Stdout, ps)
		return nil
	},
}

func init() {
	modelsShowCmd.Flags().Bool("json", false, "print the bundle as JSON")
	modelsPromoteCmd.Flags().Bool("confirm", false, "confirm the promotion")
	modelsPromoteCmd.Flags().String("note", "", "free-form note stored with the promotion")
	modelsPromotionsCmd.Flags().Int("limit", 20, "max number of promotions to display")

	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsShowCmd)
	modelsCmd.AddCommand(modelsPromoteCmd)
	modelsCmd.AddCommand(modelsPromotionsCmd)
	rootCmd.AddCommand(modelsCmd)
}

// formatVersionList writes one line per version; current is marked.
func formatVersionList(out io.Writer, bundles []production.Bundle, current string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tCREATED\tMODE\tALGORITHM\tEXPERIMENT\tMODELS\tCURRENT")
	_, _ = fmt.Fprintln(w, "-------\t-------\t----\t---------\t----------\t------\t-------")
	for _, b := range bundles {
		mark := ""
		if b.VersionID == current {
			mark = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			b.VersionID,
			b.CreatedAt.Format("2006-01-02 15:04"),
			b.Mode,
			b.Algorithm,
			truncateID(b.ExperimentID),
			len(b.Models),
			mark,
		)
	}
	_ = w.Flush()
}

func formatPromotions(out io.Writer, ps []model.Promotion) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tMODE\tPROMOTED\tNOTE")
	for _, p := range ps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.VersionID, p.Mode, p.PromotedAt.Format("2006-01-02 15:04"), p.Note)
	}
	_ = w.Flush()
}

// truncateID shortens a UUID for display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
