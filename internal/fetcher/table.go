package fetcher

import (
	"context"
	"math"
	"os"
	"path"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/model"
)

// TableOptions describes the merged table's columns.
type TableOptions struct {
	// DateFormat is tried before the built-in layouts. Default model.DateLayout.
	DateFormat string
	Pollutants []string
	Weather    []string
	// SheetName selects the XLSX sheet. Default is the first sheet.
	SheetName string
}

func (o TableOptions) withDefaults() TableOptions {
	if o.DateFormat == "" {
		o.DateFormat = model.DateLayout
	}
	if len(o.Pollutants) == 0 {
		o.Pollutants = model.DefaultPollutants
	}
	if len(o.Weather) == 0 {
		o.Weather = model.DefaultWeather
	}
	return o
}

var cityHeaders = []string{"city", "city_name"}

var missingValues = map[string]bool{"": true, "na": true, "nan": true, "null": true, "none": true, "-": true}

// LoadTable reads a merged table from a local path or URL. The format
// follows the extension: .xlsx is read as a workbook, anything else as CSV.
// Rows are returned sorted by city then date.
func LoadTable(ctx context.Context, f Fetcher, location string, opts TableOptions) ([]model.RawRecord, error) {
	opts = opts.withDefaults()
	ext := strings.ToLower(path.Ext(strings.SplitN(location, "?", 2)[0]))

	var rows <-chan []string
	var errs <-chan error
	switch ext {
	case ".xlsx":
		local := location
		if IsRemote(location) {
			tmp, err := os.CreateTemp("", "airq-*.xlsx")
			if err != nil {
				return nil, eris.Wrap(err, "fetcher: temp file")
			}
			_ = tmp.Close()
			defer os.Remove(tmp.Name()) //nolint:errcheck
			if f == nil {
				return nil, eris.Errorf("fetcher: no fetcher for %s", location)
			}
			if _, err := f.DownloadToFile(ctx, location, tmp.Name()); err != nil {
				return nil, err
			}
			local = tmp.Name()
		}
		rows, errs = StreamXLSX(ctx, local, XLSXOptions{SheetName: opts.SheetName})
	default:
		rc, err := Open(ctx, f, location)
		if err != nil {
			return nil, err
		}
		defer rc.Close() //nolint:errcheck
		rows, errs = StreamCSV(ctx, rc, CSVOptions{TrimSpace: true, LazyQuotes: true})
	}

	out, err := collect(rows, errs, opts)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: load %s", location)
	}
	zap.L().Info("fetcher: table loaded",
		zap.String("location", location),
		zap.Int("rows", len(out)),
	)
	return out, nil
}

func collect(rows <-chan []string, errs <-chan error, opts TableOptions) ([]model.RawRecord, error) {
	var p *tableParser
	var out []model.RawRecord
	var parseErr error
	line := 0
	for row := range rows {
		line++
		if parseErr != nil {
			continue
		}
		if p == nil {
			p, parseErr = newTableParser(row, opts)
			continue
		}
		if blank(row) {
			continue
		}
		rec, err := p.parse(row)
		if err != nil {
			parseErr = eris.Wrapf(err, "line %d", line)
			continue
		}
		out = append(out, rec)
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	if parseErr != nil {
		return nil, parseErr
	}
	if p == nil {
		return nil, eris.Wrap(model.ErrDataInsufficient, "empty table")
	}
	return sortRecords(out)
}

// sortRecords orders records by city and date and rejects duplicate days.
func sortRecords(recs []model.RawRecord) ([]model.RawRecord, error) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].City != recs[j].City {
			return recs[i].City < recs[j].City
		}
		return recs[i].Date.Before(recs[j].Date)
	})
	for i := 1; i < len(recs); i++ {
		if recs[i].City == recs[i-1].City && recs[i].Date.Equal(recs[i-1].Date) {
			return nil, eris.Errorf("duplicate row for %s on %s", recs[i].City, recs[i].Date.Format(model.DateLayout))
		}
	}
	return recs, nil
}

type tableParser struct {
	opts       TableOptions
	city, date int
	pollutants map[int]string
	weather    map[int]string
	flags      map[int]string
}

func newTableParser(header []string, opts TableOptions) (*tableParser, error) {
	p := &tableParser{
		opts:       opts,
		city:       -1,
		date:       -1,
		pollutants: map[int]string{},
		weather:    map[int]string{},
		flags:      map[int]string{},
	}
	pollutants := set(opts.Pollutants)
	weather := set(opts.Weather)

	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		switch {
		case slices.Contains(cityHeaders, name):
			p.city = i
		case name == "date":
			p.date = i
		case pollutants[name]:
			p.pollutants[i] = name
		case weather[name]:
			p.weather[i] = name
		case name == "flags" || strings.HasSuffix(name, "_flag"):
			p.flags[i] = name
		}
	}
	if p.city < 0 || p.date < 0 {
		return nil, eris.Wrapf(model.ErrConfiguration, "header needs city and date columns, got %v", header)
	}
	if len(p.pollutants) == 0 {
		return nil, eris.Wrap(model.ErrConfiguration, "header has no pollutant columns")
	}
	return p, nil
}

func (p *tableParser) parse(row []string) (model.RawRecord, error) {
	cell := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	rec := model.RawRecord{
		City:       features.NormalizeCity(cell(p.city)),
		Weather:    make(map[string]float64, len(p.weather)),
		Pollutants: make(map[string]float64, len(p.pollutants)),
	}
	if rec.City == "" {
		return rec, eris.New("empty city")
	}
	d, err := p.parseDate(cell(p.date))
	if err != nil {
		return rec, err
	}
	rec.Date = d

	for i, name := range p.pollutants {
		if v, ok, err := number(cell(i)); err != nil {
			return rec, eris.Wrapf(err, "column %s", name)
		} else if ok {
			rec.Pollutants[name] = v
		}
	}
	for i, name := range p.weather {
		if v, ok, err := number(cell(i)); err != nil {
			return rec, eris.Wrapf(err, "column %s", name)
		} else if ok {
			rec.Weather[name] = v
		}
	}
	rec.Flags = p.parseFlags(cell)
	return rec, nil
}

// parseFlags collects the "flags" list column and every truthy *_flag column.
func (p *tableParser) parseFlags(cell func(int) string) []string {
	var out []string
	for i, name := range p.flags {
		v := cell(i)
		if missingValues[strings.ToLower(v)] {
			continue
		}
		if name == "flags" {
			for _, f := range strings.Split(v, ";") {
				if f = strings.TrimSpace(f); f != "" {
					out = append(out, f)
				}
			}
			continue
		}
		flag := strings.TrimSuffix(name, "_flag")
		b, err := strconv.ParseBool(v)
		switch {
		case err != nil:
			out = append(out, flag+"="+v)
		case b:
			out = append(out, flag)
		}
	}
	sort.Strings(out)
	return out
}

var dateLayouts = []string{model.DateLayout, "2006/01/02", "01/02/2006", time.RFC3339, "2006-01-02 15:04:05"}

func (p *tableParser) parseDate(v string) (time.Time, error) {
	for _, layout := range append([]string{p.opts.DateFormat}, dateLayouts...) {
		if t, err := time.Parse(layout, v); err == nil {
			return model.Day(t), nil
		}
	}
	return time.Time{}, eris.Errorf("bad date %q", v)
}

// number parses a measurement. Missing markers report ok=false.
func number(v string) (float64, bool, error) {
	if missingValues[strings.ToLower(v)] {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, eris.Errorf("bad number %q", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, nil
	}
	return f, true, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func set(xs []string) map[string]bool {
	out := make(map[string]bool, len(xs))
	for _, x := range xs {
		out[strings.ToLower(x)] = true
	}
	return out
}
