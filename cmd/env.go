package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/airq-cli/internal/blob"
	"github.com/sells-group/airq-cli/internal/dataset"
	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/fetcher"
	"github.com/sells-group/airq-cli/internal/model"
	"github.com/sells-group/airq-cli/internal/store"
)

// initStore opens and migrates the configured manifest/promotion store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

func initBlobs(ctx context.Context) (blob.Store, error) {
	b, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return nil, eris.Wrap(err, "open artifact store")
	}
	return b, nil
}

// cityCatalog returns the configured catalog, or the built-in one.
func cityCatalog() (*features.Catalog, error) {
	if cfg.Features.CityCatalog == "" {
		return features.DefaultCatalog(), nil
	}
	return features.LoadCatalog(cfg.Features.CityCatalog)
}

func featureConfig() (features.Config, error) {
	cat, err := cityCatalog()
	if err != nil {
		return features.Config{}, err
	}
	primary := model.PM25
	if len(cfg.Features.Targets) > 0 {
		primary = cfg.Features.Targets[0]
	}
	return features.Config{
		LagDays:       cfg.Features.LagDays,
		RollingWindow: cfg.Features.RollingWindow,
		Sentinel:      cfg.Features.Sentinel,
		Pollutants:    cfg.Features.Pollutants,
		Weather:       cfg.Features.Weather,
		PrimaryTarget: primary,
		Catalog:       cat,
	}, nil
}

func splitOptions() dataset.Options {
	return dataset.Options{
		TestFraction:       cfg.Split.TestFraction,
		ValidationFraction: cfg.Split.ValidationFraction,
		RequireFullLags:    cfg.Split.RequireFullLags,
		Cities:             cfg.Experiment.Cities,
	}
}

// loadTable reads the merged table from path, or from data.path when empty.
func loadTable(ctx context.Context, path string) ([]model.RawRecord, error) {
	if path == "" {
		path = cfg.Data.Path
	}
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})
	records, err := fetcher.LoadTable(ctx, f, path, fetcher.TableOptions{
		DateFormat: cfg.Data.DateFormat,
		Pollutants: cfg.Features.Pollutants,
		Weather:    cfg.Features.Weather,
		SheetName:  cfg.Data.SheetName,
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("loaded merged table", zap.String("path", path), zap.Int("records", len(records)))
	return records, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
