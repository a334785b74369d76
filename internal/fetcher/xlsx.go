package fetcher

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects the worksheet holding the merged table.
type XLSXOptions struct {
	// SheetName picks a sheet by name, case-insensitively. Empty means the
	// first sheet that has any rows.
	SheetName string
}

// StreamXLSX emits every row of one worksheet, header included. Trailing
// empty cells are dropped so padded rows compare like CSV rows.
func StreamXLSX(ctx context.Context, path string, opts XLSXOptions) (<-chan []string, <-chan error) {
	return emitRows(ctx, "xlsx", func(emit func([]string) error) error {
		f, err := xlsx.OpenFile(path)
		if err != nil {
			return eris.Wrap(err, "fetcher: xlsx open file")
		}
		sheet, err := pickSheet(f, opts.SheetName)
		if err != nil {
			return err
		}
		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			if err := emit(rowCells(row)); err != nil {
				return err
			}
		}
		return nil
	})
}

func pickSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		for _, s := range f.Sheets {
			if strings.EqualFold(s.Name, name) {
				return s, nil
			}
		}
		return nil, eris.Wrapf(errSheetNotFound, "fetcher: xlsx sheet %q", name)
	}
	for _, s := range f.Sheets {
		if len(s.Rows) > 0 {
			return s, nil
		}
	}
	return nil, eris.Wrap(errSheetNotFound, "fetcher: xlsx has no populated sheet")
}

var errSheetNotFound = eris.New("sheet not found")

func rowCells(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	last := -1
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
		if cells[j] != "" {
			last = j
		}
	}
	return cells[:last+1]
}
