package main

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/airq-cli/internal/blob"
	"github.com/sells-group/airq-cli/internal/history"
	"github.com/sells-group/airq-cli/internal/inference"
	"github.com/sells-group/airq-cli/internal/model"
	"github.com/sells-group/airq-cli/internal/production"
	"github.com/sells-group/airq-cli/internal/store"
)

// loadModel loads version, or the current promotion when version is empty.
func loadModel(ctx context.Context, st store.Store, blobs blob.Store, version string) (*production.Model, error) {
	reg := production.NewRegistry(blobs)
	if version != "" {
		return reg.Load(ctx, version)
	}
	m, err := reg.Current(ctx, st)
	if err != nil {
		return nil, eris.Wrap(err, "load current version (promote one with airq models promote)")
	}
	return m, nil
}

// openCache returns the configured prediction cache; nil means caching is off.
func openCache(ctx context.Context) (inference.Cache, func(), error) {
	switch strings.ToLower(cfg.Cache.Driver) {
	case "", "none":
		return nil, func() {}, nil
	case "memory":
		return inference.NewMemoryCache(cfg.Cache.MaxEntries), func() {}, nil
	case "redis":
		rc, err := inference.NewRedisCache(ctx, inference.RedisConfig{Addr: cfg.Cache.Addr, DB: cfg.Cache.DB})
		if err != nil {
			// The cache is optional; serve without it.
			zap.L().Warn("redis cache unavailable, predictions are not cached", zap.Error(err))
			return nil, func() {}, nil
		}
		return rc, func() { _ = rc.Close() }, nil
	default:
		return nil, nil, eris.Wrapf(model.ErrConfiguration, "unknown cache driver %q", cfg.Cache.Driver)
	}
}

// newEngine wires a loaded model to its history source and cache. The
// table history driver reads the merged table only for Historical modes.
func newEngine(ctx context.Context, m *production.Model, dataPath string) (*inference.Engine, func(), error) {
	var records []model.RawRecord
	if m.Spec.Historical() && strings.ToLower(cfg.History.Driver) != "postgres" {
		var err error
		records, err = loadTable(ctx, dataPath)
		if err != nil {
			return nil, nil, err
		}
	}
	src, closeHistory, err := history.Open(ctx, cfg.History, records)
	if err != nil {
		return nil, nil, err
	}
	cache, closeCache, err := openCache(ctx)
	if err != nil {
		closeHistory()
		return nil, nil, err
	}

	eng, err := inference.NewEngine(m, inference.Options{
		History:  src,
		Cache:    cache,
		CacheTTL: time.Duration(cfg.Cache.TTLSecs) * time.Second,
	})
	if err != nil {
		closeCache()
		closeHistory()
		return nil, nil, err
	}
	zap.L().Info("inference engine ready",
		zap.String("version_id", m.Bundle.VersionID),
		zap.String("mode", m.Bundle.Mode),
		zap.String("history", cfg.History.Driver),
		zap.Bool("cache", cache != nil),
	)
	return eng, func() {
		closeCache()
		closeHistory()
	}, nil
}
