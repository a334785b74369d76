package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures the streaming CSV reader.
type CSVOptions struct {
	// Delimiter forces the field separator. Zero sniffs it from the header line.
	Delimiter  rune
	LazyQuotes bool
	TrimSpace  bool
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// StreamCSV emits every row of r, header included, on the returned
// channel. A leading UTF-8 byte order mark is dropped. Both channels are
// closed when the reader is exhausted, fails, or ctx is cancelled.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	return emitRows(ctx, "csv", func(emit func([]string) error) error {
		br := bufio.NewReader(r)
		if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
			_, _ = br.Discard(len(utf8BOM))
		}

		reader := csv.NewReader(br)
		reader.Comma = opts.Delimiter
		if reader.Comma == 0 {
			reader.Comma = sniffDelimiter(br)
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		for {
			record, err := reader.Read()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return eris.Wrap(err, "fetcher: csv read row")
			}
			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}
			if err := emit(record); err != nil {
				return err
			}
		}
	})
}

// sniffDelimiter picks ';' or a tab over ',' when the first line holds
// more of them. Spreadsheet exports in some locales use ';'.
func sniffDelimiter(br *bufio.Reader) rune {
	line, _ := br.Peek(br.Size())
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	best, bestN := ',', bytes.Count(line, []byte{','})
	for _, d := range []rune{';', '\t'} {
		if n := bytes.Count(line, []byte{byte(d)}); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}

// emitRows runs produce on its own goroutine and forwards the rows it
// emits until ctx is done. The first error produce returns is delivered on
// the error channel.
func emitRows(ctx context.Context, format string, produce func(emit func([]string) error) error) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		err := produce(func(row []string) error {
			if ctx.Err() != nil {
				return eris.Wrapf(ctx.Err(), "fetcher: %s cancelled", format)
			}
			select {
			case rowCh <- row:
				return nil
			case <-ctx.Done():
				return eris.Wrapf(ctx.Err(), "fetcher: %s cancelled", format)
			}
		})
		if err != nil {
			errCh <- err
		}
	}()

	return rowCh, errCh
}
