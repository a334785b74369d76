// Package inference serves predictions from a loaded production version.
package inference

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/airq-cli/internal/aqi"
	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/history"
	"github.com/sells-group/airq-cli/internal/model"
	"github.com/sells-group/airq-cli/internal/production"
	"github.com/sells-group/airq-cli/internal/resilience"
)

// Request is one prediction request.
type Request struct {
	City    string             `json:"city"`
	Date    time.Time          `json:"date"`
	Weather map[string]float64 `json:"weather"`
}

// Response is the prediction for one request.
type Response struct {
	City      string    `json:"city"`
	Date      time.Time `json:"date"`
	Version   string    `json:"version_id"`
	Mode      string    `json:"mode"`
	Algorithm string    `json:"algorithm"`
	// Predictions holds one concentration per declared target.
	Predictions  map[string]float64 `json:"predictions"`
	AQI          int                `json:"composite_aqi"`
	Dominant     string             `json:"dominant_pollutant"`
	Category     string             `json:"category"`
	Color        string             `json:"color"`
	Advice       string             `json:"health_advice"`
	PerPollutant map[string]int     `json:"per_pollutant_aqi"`
	HistoryDays  int                `json:"history_days"`
	Cached       bool               `json:"cached"`
}

func (r Response) clone() Response {
	out := r
	out.Predictions = make(map[string]float64, len(r.Predictions))
	for k, v := range r.Predictions {
		out.Predictions[k] = v
	}
	out.PerPollutant = make(map[string]int, len(r.PerPollutant))
	for k, v := range r.PerPollutant {
		out.PerPollutant[k] = v
	}
	return out
}

// Options configures an Engine. Only History is required, and only for
// Historical modes.
type Options struct {
	History  history.Source
	Cache    Cache
	CacheTTL time.Duration
	// Breaker guards the cache. Defaults to a breaker named "prediction_cache".
	Breaker *resilience.Breaker
	// HistoryRetry retries transient history failures.
	HistoryRetry resilience.RetryPolicy
	// Concurrency bounds PredictBatch. Default 8.
	Concurrency int
}

// Engine turns requests into predictions with one production Model. It is
// safe for concurrent use.
type Engine struct {
	model   *production.Model
	opts    Options
	weather map[string]bool
}

// NewEngine returns an engine serving m.
func NewEngine(m *production.Model, opts Options) (*Engine, error) {
	if m == nil {
		return nil, eris.Wrap(model.ErrModelNotFound, "inference: no model")
	}
	if m.Spec.Historical() && opts.History == nil {
		return nil, eris.Wrapf(model.ErrConfiguration, "inference: mode %s needs a history source", m.Spec.Code)
	}
	if opts.Cache != nil && opts.Breaker == nil {
		opts.Breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "prediction_cache"})
	}
	if opts.HistoryRetry.Op == "" {
		opts.HistoryRetry.Op = "history.recent"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	weather := make(map[string]bool)
	for _, w := range m.Pipeline().Manifest().Weather {
		weather[w] = true
	}
	return &Engine{model: m, opts: opts, weather: weather}, nil
}

// Model returns the served version.
func (e *Engine) Model() *production.Model { return e.model }

// Predict builds the feature row for req with the same column order and
// sentinel as training, predicts every target and derives the composite AQI.
func (e *Engine) Predict(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	code := e.model.Spec.Code
	resp, err := e.predict(ctx, req)
	predictionDuration.WithLabelValues(code).Observe(time.Since(start).Seconds())
	outcome := "ok"
	switch {
	case err != nil:
		outcome = model.ErrorKind(err)
	case resp.Cached:
		outcome = "cached"
	}
	predictionsTotal.WithLabelValues(code, outcome).Inc()
	if err != nil {
		return nil, err
	}
	predictedAQI.WithLabelValues(resp.City).Observe(float64(resp.AQI))
	return resp, nil
}

func (e *Engine) predict(ctx context.Context, req Request) (*Response, error) {
	city := features.NormalizeCity(req.City)
	if city == "" {
		return nil, eris.Wrap(model.ErrConfiguration, "inference: city is required")
	}
	if req.Date.IsZero() {
		return nil, eris.Wrap(model.ErrConfiguration, "inference: date is required")
	}
	if err := e.checkWeather(req.Weather); err != nil {
		return nil, err
	}
	date := model.Day(req.Date)
	b := e.model.Bundle

	// History is read before the cache so the key reflects what the row
	// would be built from.
	var past []model.RawRecord
	if e.model.Spec.Historical() {
		lookback := b.Features.Lookback()
		var err error
		past, err = resilience.Retry(ctx, e.opts.HistoryRetry, func(ctx context.Context) ([]model.RawRecord, error) {
			return e.opts.History.Recent(ctx, city, date, lookback)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "inference: history for %s", city)
		}
	}

	key := CacheKey(b.VersionID, city, date, req.Weather, past)
	if cached := e.cacheGet(ctx, key); cached != nil {
		cached.Cached = true
		return cached, nil
	}

	row, err := e.model.Pipeline().BuildRow(city, date, req.Weather, past)
	if err != nil {
		return nil, err
	}
	x, err := e.model.Project(row)
	if err != nil {
		return nil, err
	}
	preds, err := e.model.Predict(city, x)
	if err != nil {
		return nil, err
	}
	summary, err := aqi.Composite(preds)
	if err != nil {
		return nil, eris.Wrapf(err, "inference: aqi for %s", city)
	}

	resp := &Response{
		City:         city,
		Date:         date,
		Version:      b.VersionID,
		Mode:         b.Mode,
		Algorithm:    string(b.Algorithm),
		Predictions:  preds,
		AQI:          summary.AQI,
		Dominant:     summary.Dominant,
		Category:     summary.Category.Label,
		Color:        summary.Category.Color,
		Advice:       summary.Category.Advice,
		PerPollutant: make(map[string]int, len(summary.PerPollutant)),
		HistoryDays:  row.HistoryDays,
	}
	for p, r := range summary.PerPollutant {
		resp.PerPollutant[p] = r.AQI
	}

	e.cacheSet(ctx, key, resp)
	return resp, nil
}

// checkWeather rejects columns the model was never trained on. Missing
// columns are allowed and become sentinels, as in training.
func (e *Engine) checkWeather(w map[string]float64) error {
	var unknown []string
	for k := range w {
		if !e.weather[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return eris.Wrapf(model.ErrSchemaMismatch, "inference: unknown weather columns %s", strings.Join(unknown, ", "))
}

func (e *Engine) cacheGet(ctx context.Context, key string) *Response {
	if e.opts.Cache == nil {
		return nil
	}
	var hit *Response
	err := e.opts.Breaker.Do(ctx, func(ctx context.Context) error {
		r, ok, err := e.opts.Cache.Get(ctx, key)
		if ok {
			hit = r
		}
		return err
	})
	switch {
	case err != nil:
		cacheLookups.WithLabelValues("error").Inc()
		zap.L().Debug("inference: cache get bypassed", zap.String("key", key), zap.Error(err))
		return nil
	case hit == nil:
		cacheLookups.WithLabelValues("miss").Inc()
		return nil
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return hit
}

func (e *Engine) cacheSet(ctx context.Context, key string, r *Response) {
	if e.opts.Cache == nil {
		return
	}
	err := e.opts.Breaker.Do(ctx, func(ctx context.Context) error {
		return e.opts.Cache.Set(ctx, key, r, e.opts.CacheTTL)
	})
	if err != nil {
		zap.L().Debug("inference: cache set bypassed", zap.String("key", key), zap.Error(err))
	}
}

// BatchResult pairs a request with its prediction or error.
type BatchResult struct {
	Request  Request   `json:"request"`
	Response *Response `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
	Kind     string    `json:"error_kind,omitempty"`
}

// PredictBatch predicts every request concurrently. Per-request failures
// are reported in their result; only ctx cancellation fails the batch.
// Results keep request order.
func (e *Engine) PredictBatch(ctx context.Context, reqs []Request) ([]BatchResult, error) {
	out := make([]BatchResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i].Request = req
			resp, err := e.Predict(gctx, req)
			if err != nil {
				out[i].Error = err.Error()
				out[i].Kind = model.ErrorKind(err)
				return nil
			}
			out[i].Response = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "inference: batch")
	}
	return out, nil
}
