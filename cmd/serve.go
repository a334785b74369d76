package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/airq-cli/internal/aqi"
	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/inference"
	"github.com/sells-group/airq-cli/internal/model"
	"github.com/sells-group/airq-cli/internal/production"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the prediction HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
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

		version, _ := cmd.Flags().GetString("version")
		dataPath, _ := cmd.Flags().GetString("data")
		m, err := loadModel(ctx, st, blobs, version)
		if err != nil {
			return err
		}
		eng, closeEngine, err := newEngine(ctx, m, dataPath)
		if err != nil {
			return err
		}
		defer closeEngine()

		cat, err := cityCatalog()
		if err != nil {
			return err
		}

		api := &server{
			engine:     eng,
			registry:   production.NewRegistry(blobs),
			promotions: st,
			catalog:    cat,
		}
		handler := buildRouter(api, routerOptions{
			RPS:         cfg.Server.RateLimitRPS,
			Burst:       cfg.Server.Burst,
			CORSOrigins: cfg.Server.CORSOrigins,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server",
			zap.Int("port", cfg.Server.Port),
			zap.String("version_id", m.Bundle.VersionID),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().String("version", "", "model version to serve (default current promotion)")
	serveCmd.Flags().String("data", "", "merged table used as history for Historical modes (default data.path)")
	rootCmd.AddCommand(serveCmd)
}

// predictor is the part of the inference engine the server uses.
type predictor interface {
	Predict(ctx context.Context, req inference.Request) (*inference.Response, error)
	PredictBatch(ctx context.Context, reqs []inference.Request) ([]inference.BatchResult, error)
	Model() *production.Model
}

// server holds the dependencies of the HTTP handlers.
type server struct {
	engine     predictor
	registry   *production.Registry
	promotions production.PromotionLog
	catalog    *features.Catalog
}

type routerOptions struct {
	RPS         float64
	Burst       int
	CORSOrigins []string
}

// buildRouter mounts every endpoint. /health and /metrics are exempt from
// rate limiting.
func buildRouter(s *server, opts routerOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if opts.RPS > 0 {
			r.Use(rateLimit(rate.NewLimiter(rate.Limit(opts.RPS), max(opts.Burst, 1))))
		}
		r.Post("/predict", s.handlePredict)
		r.Post("/predict/batch", s.handlePredictBatch)
		r.Get("/aqi", s.handleAQI)
		r.Post("/aqi", s.handleAQI)
		r.Get("/models", s.handleModels)
		r.Get("/models/{version}", s.handleModel)
		r.Get("/cities", s.handleCities)
	})
	return r
}

func rateLimit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// predictBody is the JSON form of a prediction request.
type predictBody struct {
	City    string             `json:"city"`
	Date    string             `json:"date"`
	Weather map[string]float64 `json:"weather"`
}

func (b predictBody) request() (inference.Request, error) {
	if b.City == "" || b.Date == "" {
		return inference.Request{}, eris.Wrap(model.ErrConfiguration, "city and date are required")
	}
	d, err := time.Parse(model.DateLayout, b.Date)
	if err != nil {
		return inference.Request{}, eris.Wrapf(model.ErrConfiguration, "date %q is not YYYY-MM-DD", b.Date)
	}
	return inference.Request{City: b.City, Date: d, Weather: b.Weather}, nil
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{"status": "ok"}
	if s.engine != nil {
		body["version_id"] = s.engine.Model().Bundle.VersionID
		body["mode"] = s.engine.Model().Bundle.Mode
	}
	writeJSONResponse(w, http.StatusOK, body)
}

func (s *server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "model_not_found", "no model loaded")
		return
	}
	var body predictBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "configuration", "invalid request body")
		return
	}
	req, err := body.request()
	if err != nil {
		writeErr(w, err)
		return
	}
	resp, err := s.engine.Predict(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// maxBatch bounds one /predict/batch call.
const maxBatch = 1000

func (s *server) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "model_not_found", "no model loaded")
		return
	}
	var body struct {
		Requests []predictBody `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "configuration", "invalid request body")
		return
	}
	if len(body.Requests) == 0 || len(body.Requests) > maxBatch {
		writeError(w, http.StatusBadRequest, "configuration", fmt.Sprintf("requests must hold 1 to %d entries", maxBatch))
		return
	}
	reqs := make([]inference.Request, len(body.Requests))
	for i, b := range body.Requests {
		req, err := b.request()
		if err != nil {
			writeError(w, http.StatusBadRequest, model.ErrorKind(err), fmt.Sprintf("request %d: %v", i, err))
			return
		}
		reqs[i] = req
	}
	results, err := s.engine.PredictBatch(r.Context(), reqs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"results": results})
}

// handleAQI accepts concentrations as query parameters (GET) or a JSON
// object (POST).
func (s *server) handleAQI(w http.ResponseWriter, r *http.Request) {
	concentrations := map[string]float64{}
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&concentrations); err != nil {
			writeError(w, http.StatusBadRequest, "configuration", "invalid request body")
			return
		}
	} else {
		for k, vs := range r.URL.Query() {
			if len(vs) == 0 {
				continue
			}
			f, err := strconv.ParseFloat(vs[0], 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "configuration", fmt.Sprintf("%s=%q is not a number", k, vs[0]))
				return
			}
			concentrations[k] = f
		}
	}
	if len(concentrations) == 0 {
		writeError(w, http.StatusBadRequest, "configuration", "no concentrations given")
		return
	}
	summary, err := aqi.Composite(concentrations)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, summary)
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	bundles, err := s.registry.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	type entry struct {
		VersionID    string    `json:"version_id"`
		CreatedAt    time.Time `json:"created_at"`
		ExperimentID string    `json:"experiment_id,omitempty"`
		Mode         string    `json:"mode"`
		Algorithm    string    `json:"algorithm"`
		Current      bool      `json:"current"`
	}
	current := ""
	if s.promotions != nil {
		if p, err := s.promotions.CurrentPromotion(r.Context()); err == nil {
			current = p.VersionID
		}
	}
	out := make([]entry, len(bundles))
	for i, b := range bundles {
		out[i] = entry{
			VersionID:    b.VersionID,
			CreatedAt:    b.CreatedAt,
			ExperimentID: b.ExperimentID,
			Mode:         b.Mode,
			Algorithm:    string(b.Algorithm),
			Current:      b.VersionID == current,
		}
	}
	resp := map[string]any{"versions": out, "current": current}
	if s.engine != nil {
		resp["serving"] = s.engine.Model().Bundle.VersionID
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *server) handleModel(w http.ResponseWriter, r *http.Request) {
	b, err := s.registry.Get(r.Context(), chi.URLParam(r, "version"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, b)
}

func (s *server) handleCities(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"catalog": s.catalog.Names()}
	if s.engine != nil {
		if parts := s.engine.Model().Partitions(); len(parts) > 0 {
			resp["partitions"] = parts
		}
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// statusFor maps an error's kind to an HTTP status.
func statusFor(kind string) int {
	switch kind {
	case "configuration", "schema_mismatch", "unknown_pollutant":
		return http.StatusBadRequest
	case "model_not_found":
		return http.StatusNotFound
	case "data_insufficient":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	kind := model.ErrorKind(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
	}
	writeError(w, status, kind, err.Error())
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSONResponse(w, status, map[string]string{"error": msg, "error_kind": kind})
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
