package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/airq-cli/internal/aqi"
	"github.com/sells-group/airq-cli/internal/model"
)

var aqiCmd = &cobra.Command{
	Use:   "aqi <pollutant=concentration>...",
	Short: "Compute the composite AQI of pollutant concentrations",
	Long: `Computes each pollutant's index from the US EPA breakpoints and reports the maximum.

  airq aqi pm25=35.5 o3=0.071
  airq aqi --breakpoints pm25`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if p, _ := cmd.Flags().GetString("breakpoints"); p != "" {
			bps, err := aqi.Breakpoints(p)
			if err != nil {
				return err
			}
			formatBreakpoints(os.Stdout, p, bps)
			return nil
		}
		if len(args) == 0 {
			return eris.Wrapf(model.ErrConfiguration, "aqi: expected pollutant=value arguments (known: %s)",
				strings.Join(aqi.Pollutants(), ", "))
		}

		concentrations, err := parseConcentrations(args)
		if err != nil {
			return err
		}
		summary, err := aqi.Composite(concentrations)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, summary)
		}
		formatAQISummary(os.Stdout, summary)
		return nil
	},
}

func init() {
	aqiCmd.Flags().String("breakpoints", "", "print the breakpoint table of a pollutant")
	aqiCmd.Flags().Bool("json", false, "print JSON")
	rootCmd.AddCommand(aqiCmd)
}

func parseConcentrations(args []string) (map[string]float64, error) {
	out := make(map[string]float64, len(args))
	for _, arg := range args {
		name, val, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, eris.Wrapf(model.ErrConfiguration, "aqi: %q is not pollutant=value", arg)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, eris.Wrapf(model.ErrConfiguration, "aqi: %q is not a number", val)
		}
		out[strings.TrimSpace(name)] = f
	}
	return out, nil
}

func formatAQISummary(out io.Writer, s aqi.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "POLLUTANT\tCONCENTRATION\tTRUNCATED\tAQI\tCATEGORY")
	for _, p := range aqi.Pollutants() {
		r, ok := s.PerPollutant[p]
		if !ok {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%g\t%g\t%d\t%s\n", r.Pollutant, r.Concentration, r.Truncated, r.AQI, r.Category.Label)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\nAQI %d (%s) dominant %s\n", s.AQI, s.Category.Label, s.Dominant)
	_, _ = fmt.Fprintf(out, "%s\n", s.Category.Advice)
}

func formatBreakpoints(out io.Writer, pollutant string, bps []aqi.Breakpoint) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "%s\tC_LOW\tC_HIGH\tI_LOW\tI_HIGH\n", strings.ToUpper(pollutant))
	for _, bp := range bps {
		_, _ = fmt.Fprintf(w, "\t%g\t%g\t%d\t%d\n", bp.CLow, bp.CHigh, bp.ILow, bp.IHigh)
	}
	_ = w.Flush()
}
