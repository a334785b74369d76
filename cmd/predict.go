package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/airq-cli/internal/inference"
	"github.com/sells-group/airq-cli/internal/model"
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Predict pollutant concentrations and AQI for a city and day",
	Long: `Predicts with the current production version (or --version).

Single request:  airq predict --city Beijing --date 2024-01-15 --weather temp_avg_c=2.1,precip_mm=0
Batch over table: airq predict --input requests.csv`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("predict"); err != nil {
			return err
		}

		version, _ := cmd.Flags().GetString("version")
		dataPath, _ := cmd.Flags().GetString("data")
		input, _ := cmd.Flags().GetString("input")
		asJSON, _ := cmd.Flags().GetBool("json")

		var reqs []inference.Request
		if input != "" {
			records, err := loadTable(ctx, input)
			if err != nil {
				return err
			}
			reqs = requestsFromRecords(records)
		} else {
			req, err := requestFromFlags(cmd)
			if err != nil {
				return err
			}
			reqs = []inference.Request{req}
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

		m, err := loadModel(ctx, st, blobs, version)
		if err != nil {
			return err
		}
		eng, closeEngine, err := newEngine(ctx, m, dataPath)
		if err != nil {
			return err
		}
		defer closeEngine()

		if input == "" {
			resp, err := eng.Predict(ctx, reqs[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(os.Stdout, resp)
			}
			formatPrediction(os.Stdout, resp)
			return nil
		}

		results, err := eng.PredictBatch(ctx, reqs)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(os.Stdout, results)
		}
		formatBatch(os.Stdout, results)
		return nil
	},
}

func init() {
	predictCmd.Flags().String("city", "", "city name")
	predictCmd.Flags().String("date", "", "target day (YYYY-MM-DD)")
	predictCmd.Flags().StringToString("weather", nil, "weather observations, e.g. temp_avg_c=2.1,precip_mm=0")
	predictCmd.Flags().String("input", "", "merged-format table (CSV/XLSX, path or URL) whose rows are predicted; pollutant cells may be empty")
	predictCmd.Flags().String("version", "", "model version (default current promotion)")
	predictCmd.Flags().String("data", "", "merged table used as history for Historical modes (default data.path)")
	predictCmd.Flags().Bool("json", false, "print JSON")
	rootCmd.AddCommand(predictCmd)
}

func requestFromFlags(cmd *cobra.Command) (inference.Request, error) {
	city, _ := cmd.Flags().GetString("city")
	dateStr, _ := cmd.Flags().GetString("date")
	raw, _ := cmd.Flags().GetStringToString("weather")

	if city == "" || dateStr == "" {
		return inference.Request{}, eris.Wrap(model.ErrConfiguration, "predict: --city and --date are required (or --input)")
	}
	date, err := time.Parse(model.DateLayout, dateStr)
	if err != nil {
		return inference.Request{}, eris.Wrapf(model.ErrConfiguration, "predict: bad --date %q", dateStr)
	}
	weather, err := parseWeather(raw)
	if err != nil {
		return inference.Request{}, err
	}
	return inference.Request{City: city, Date: date, Weather: weather}, nil
}

func parseWeather(raw map[string]string) (map[string]float64, error) {
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, eris.Wrapf(model.ErrConfiguration, "predict: weather %s=%q is not a number", k, v)
		}
		out[strings.TrimSpace(k)] = f
	}
	return out, nil
}

// requestsFromRecords turns table rows into requests; pollutant columns
// are ignored.
func requestsFromRecords(records []model.RawRecord) []inference.Request {
	reqs := make([]inference.Request, len(records))
	for i, r := range records {
		reqs[i] = inference.Request{City: r.City, Date: r.Date, Weather: r.Weather}
	}
	return reqs
}

// formatPrediction prints one prediction.
func formatPrediction(out io.Writer, r *inference.Response) {
	_, _ = fmt.Fprintf(out, "%s on %s (version %s, mode %s, %s)\n",
		r.City, r.Date.Format(model.DateLayout), r.Version, r.Mode, r.Algorithm)

	targets := make([]string, 0, len(r.Predictions))
	for t := range r.Predictions {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	for _, t := range targets {
		line := fmt.Sprintf("  %-6s %8.2f", t, r.Predictions[t])
		if idx, ok := r.PerPollutant[t]; ok {
			line += fmt.Sprintf("  AQI %d", idx)
		}
		_, _ = fmt.Fprintln(out, line)
	}
	_, _ = fmt.Fprintf(out, "AQI %d (%s, %s) dominant %s\n", r.AQI, r.Category, r.Color, r.Dominant)
	_, _ = fmt.Fprintf(out, "%s\n", r.Advice)
}

// formatBatch writes one line per request, in request order.
func formatBatch(out io.Writer, results []inference.BatchResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CITY\tDATE\tAQI\tCATEGORY\tDOMINANT\tPREDICTIONS\tERROR")
	for _, res := range results {
		date := res.Request.Date.Format(model.DateLayout)
		if res.Response == nil {
			_, _ = fmt.Fprintf(w, "%s\t%s\t-\t-\t-\t-\t%s\n", res.Request.City, date, res.Kind)
			continue
		}
		r := res.Response
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t\n",
			r.City, date, r.AQI, r.Category, r.Dominant, formatValues(r.Predictions))
	}
	_ = w.Flush()
}

func formatValues(vals map[string]float64) string {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.2f", k, vals[k])
	}
	return strings.Join(parts, " ")
}
