// Package fetcher reads the merged weather and pollutant table from local
// or remote CSV and XLSX files.
package fetcher

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher downloads remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// IsRemote reports whether location is an http(s) URL.
func IsRemote(location string) bool {
	l := strings.ToLower(location)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// Open returns a reader for a local path or, through f, a remote URL.
func Open(ctx context.Context, f Fetcher, location string) (io.ReadCloser, error) {
	if IsRemote(location) {
		if f == nil {
			return nil, eris.Errorf("fetcher: no fetcher for %s", location)
		}
		return f.Download(ctx, location)
	}
	file, err := os.Open(location)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", location)
	}
	return file, nil
}
