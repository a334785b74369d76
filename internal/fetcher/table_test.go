package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/airq-cli/internal/model"
)

const mergedCSV = `city_name,date,temp_avg_c,wind_speed_kmh,pm25,o3,extra,dust_flag,flags
Shanghai,2024-01-02,7.5,12,35.1,0.031,x,false,
beijing,2024-01-02,-3.0,8,88.0,,y,true,interpolated;outlier
Beijing,2024/01/01,-2.5,NA,102.4,0.020,z,0,

Shanghai,2024-01-01,8.0,10,,0.029,w,,
`

var tableOpts = TableOptions{
	Pollutants: []string{model.PM25, model.O3},
	Weather:    []string{"temp_avg_c", "wind_speed_kmh"},
}

func writeTable(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadTable_CSV(t *testing.T) {
	recs, err := LoadTable(context.Background(), nil, writeTable(t, "merged.csv", mergedCSV), tableOpts)
	require.NoError(t, err)
	require.Len(t, recs, 4)

	d1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)

	assert.Equal(t, "Beijing", recs[0].City)
	assert.Equal(t, d1, recs[0].Date)
	assert.Equal(t, map[string]float64{"temp_avg_c": -2.5}, recs[0].Weather)
	assert.Equal(t, 102.4, recs[0].Pollutants[model.PM25])
	assert.Empty(t, recs[0].Flags)

	assert.Equal(t, d2, recs[1].Date)
	_, hasO3 := recs[1].Pollutants[model.O3]
	assert.False(t, hasO3)
	assert.Equal(t, []string{"dust", "interpolated", "outlier"}, recs[1].Flags)

	assert.Equal(t, "Shanghai", recs[2].City)
	assert.Equal(t, d1, recs[2].Date)
	_, hasPM := recs[2].Value(model.PM25)
	assert.False(t, hasPM)
	assert.Equal(t, "Shanghai", recs[3].City)
	assert.Equal(t, d2, recs[3].Date)
}

func TestLoadTable_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := LoadTable(ctx, nil, writeTable(t, "a.csv", "when,pm25\n2024-01-01,3\n"), tableOpts)
	assert.True(t, eris.Is(err, model.ErrConfiguration))

	_, err = LoadTable(ctx, nil, writeTable(t, "b.csv", "city,date,temp_avg_c\nBeijing,2024-01-01,3\n"), tableOpts)
	assert.True(t, eris.Is(err, model.ErrConfiguration))

	_, err = LoadTable(ctx, nil, writeTable(t, "c.csv", "city,date,pm25\nBeijing,yesterday,3\n"), tableOpts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	_, err = LoadTable(ctx, nil, writeTable(t, "d.csv", "city,date,pm25\nBeijing,2024-01-01,lots\n"), tableOpts)
	assert.ErrorContains(t, err, "bad number")

	_, err = LoadTable(ctx, nil, writeTable(t, "e.csv", "city,date,pm25\nBeijing,2024-01-01,3\nbeijing,2024-01-01,4\n"), tableOpts)
	assert.ErrorContains(t, err, "duplicate row")

	_, err = LoadTable(ctx, nil, writeTable(t, "f.csv", ""), tableOpts)
	assert.True(t, eris.Is(err, model.ErrDataInsufficient))

	_, err = LoadTable(ctx, nil, filepath.Join(t.TempDir(), "missing.csv"), tableOpts)
	assert.Error(t, err)
}

func TestLoadTable_CustomDateFormat(t *testing.T) {
	opts := tableOpts
	opts.DateFormat = "02.01.2006"
	recs, err := LoadTable(context.Background(), nil, writeTable(t, "m.csv", "city,date,pm25\nDelhi,31.12.2023,150\n"), opts)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), recs[0].Date)
}

func TestLoadTable_XLSX(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("merged")
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(mergedCSV), "\n") {
		row := sheet.AddRow()
		for _, v := range strings.Split(line, ",") {
			row.AddCell().SetString(v)
		}
	}
	p := filepath.Join(t.TempDir(), "merged.xlsx")
	require.NoError(t, f.Save(p))

	opts := tableOpts
	opts.SheetName = "merged"
	recs, err := LoadTable(context.Background(), nil, p, opts)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
	assert.Equal(t, 88.0, recs[1].Pollutants[model.PM25])

	opts.SheetName = "nope"
	_, err = LoadTable(context.Background(), nil, p, opts)
	assert.ErrorContains(t, err, "not found")
}

func TestLoadTable_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := LoadTable(ctx, nil, writeTable(t, "merged.csv", mergedCSV), tableOpts)
	assert.Error(t, err)
}

func TestIsRemote(t *testing.T) {
	assert.True(t, IsRemote("https://example.com/merged.csv"))
	assert.True(t, IsRemote("HTTP://example.com/merged.csv"))
	assert.False(t, IsRemote("data/merged.csv"))
	assert.False(t, IsRemote("s3://bucket/merged.csv"))
}

func TestLoadTable_CSVSemicolonWithBOM(t *testing.T) {
	content := "\xEF\xBB\xBFcity;date;pm25;o3\nBeijing;2024-01-01;102,4;\nBeijing;2024-01-02;88;0.02\n"
	_, err := LoadTable(context.Background(), nil, writeTable(t, "eu.csv", content), tableOpts)
	assert.ErrorContains(t, err, `bad number "102,4"`)

	content = "\xEF\xBB\xBFcity;date;pm25;o3\nBeijing;2024-01-01;102.4;\nBeijing;2024-01-02;88;0.02\n"
	recs, err := LoadTable(context.Background(), nil, writeTable(t, "eu.csv", content), tableOpts)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Beijing", recs[0].City)
	assert.InDelta(t, 102.4, recs[0].Pollutants[model.PM25], 1e-9)
	assert.NotContains(t, recs[0].Pollutants, model.O3)
}

func TestStreamCSV_ExplicitDelimiter(t *testing.T) {
	rows, errs := StreamCSV(context.Background(), strings.NewReader("a|b\n 1 | 2 \n"), CSVOptions{Delimiter: '|', TrimSpace: true})
	var got [][]string
	for r := range rows {
		got = append(got, r)
	}
	require.NoError(t, <-errs)
	assert.Equal(t, [][]string{{"a", "b"}, {"1", "2"}}, got)
}

func TestLoadTable_XLSXFirstPopulatedSheet(t *testing.T) {
	f := xlsx.NewFile()
	_, err := f.AddSheet("notes")
	require.NoError(t, err)
	sheet, err := f.AddSheet("Data")
	require.NoError(t, err)
	for _, line := range []string{"city,date,pm25,,", "Delhi,2024-01-01,150,,"} {
		row := sheet.AddRow()
		for _, v := range strings.Split(line, ",") {
			row.AddCell().SetString(v)
		}
	}
	p := filepath.Join(t.TempDir(), "book.xlsx")
	require.NoError(t, f.Save(p))

	recs, err := LoadTable(context.Background(), nil, p, tableOpts)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.InDelta(t, 150.0, recs[0].Pollutants[model.PM25], 1e-9)

	opts := tableOpts
	opts.SheetName = "data"
	recs, err = LoadTable(context.Background(), nil, p, opts)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
