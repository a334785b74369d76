package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/airq-cli/internal/model"
	"github.com/sells-group/airq-cli/internal/production"
)

var retrainRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "airq_retrain_runs_total",
	Help: "Scheduled retraining runs by outcome",
}, []string{"outcome"})

// Job is one unit of scheduled work.
type Job interface {
	Run(ctx context.Context) (*production.Bundle, error)
}

// Status describes the most recent run.
type Status struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	VersionID  string        `json:"version_id,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Skipped    int           `json:"skipped"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	// ConsecutiveFailures resets on every successful run.
	ConsecutiveFailures int `json:"consecutive_failures"`
}

// Scheduler runs a Job on a standard five-field cron spec. A run that
// fires while the previous one is still going is skipped.
type Scheduler struct {
	cron    *cron.Cron
	job     Job
	running atomic.Bool

	mu     sync.Mutex
	ctx    context.Context
	status Status
	onRun  func(context.Context, Status)
}

// New parses spec and returns a stopped scheduler.
func New(spec string, job Job) (*Scheduler, error) {
	s := &Scheduler{job: job, ctx: context.Background()}
	logger := zapLogger{}
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce() }); err != nil {
		return nil, eris.Wrapf(model.ErrConfiguration, "schedule: bad cron spec %q: %v", spec, err)
	}
	return s, nil
}

// OnRun registers fn to be called after every completed run with the
// updated status. Skipped runs do not call it.
func (s *Scheduler) OnRun(fn func(ctx context.Context, st Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRun = fn
}

// Start begins firing. ctx is passed to every run; cancel it to abort a
// run in progress.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	zap.L().Info("schedule: started", zap.Time("next", s.Next()))
}

// Stop stops firing and returns a context that is done when the running
// job, if any, has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Next returns the next fire time, or zero when stopped.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunOnce runs the job now unless a run is in progress, and reports
// whether it ran.
func (s *Scheduler) RunOnce() bool {
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.status.Skipped++
		s.mu.Unlock()
		retrainRuns.WithLabelValues("skipped").Inc()
		zap.L().Warn("schedule: previous run still in progress, skipping")
		return false
	}
	defer s.running.Store(false)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	b, err := s.job.Run(ctx)
	st, hook := s.record(start, b, err)
	if hook != nil {
		hook(ctx, st)
	}
	return true
}

func (s *Scheduler) record(start time.Time, b *production.Bundle, err error) (Status, func(context.Context, Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.StartedAt = start
	s.status.Duration = time.Since(start)
	s.status.VersionID = ""
	s.status.Error = ""
	s.status.ErrorKind = ""
	if err != nil {
		s.status.Failed++
		s.status.ConsecutiveFailures++
		s.status.Error = err.Error()
		s.status.ErrorKind = model.ErrorKind(err)
		retrainRuns.WithLabelValues("failed").Inc()
		zap.L().Error("schedule: retraining failed", zap.Error(err))
		return s.status, s.onRun
	}
	s.status.Successful++
	s.status.ConsecutiveFailures = 0
	s.status.VersionID = b.VersionID
	retrainRuns.WithLabelValues("published").Inc()
	zap.L().Info("schedule: published version",
		zap.String("version_id", b.VersionID),
		zap.Duration("duration", s.status.Duration),
	)
	return s.status, s.onRun
}

// Status returns a copy of the latest run status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// zapLogger adapts the global zap logger to cron.Logger.
type zapLogger struct{}

func (zapLogger) Info(msg string, keysAndValues ...any) {
	zap.L().Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (zapLogger) Error(err error, msg string, keysAndValues ...any) {
	zap.L().Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
