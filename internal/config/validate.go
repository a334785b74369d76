package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"

	"github.com/sells-group/airq-cli/internal/learn"
	"github.com/sells-group/airq-cli/internal/mode"
	"github.com/sells-group/airq-cli/internal/model"
)

// Validate checks the sections the given command relies on. Every problem
// is reported at once; the error wraps model.ErrConfiguration.
func (c *Config) Validate(command string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch command {
	case "experiment":
		c.validateFeatures(add)
		c.validateSplit(add)
		c.validateExperiment(add)
		c.validateStore(add)
	case "train":
		c.validateFeatures(add)
		c.validateSplit(add)
		c.validateStore(add)
	case "predict":
		c.validateHistory(add)
	case "serve":
		c.validateHistory(add)
		c.validateCache(add)
		c.validateServer(add)
		c.validateStore(add)
	case "schedule":
		c.validateFeatures(add)
		c.validateStore(add)
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			add("schedule.cron %q is invalid: %v", c.Schedule.Cron, err)
		}
	case "history":
		if c.History.DatabaseURL == "" {
			add("history.database_url is required")
		}
	default:
		return eris.Wrapf(model.ErrConfiguration, "config: unknown command %q", command)
	}

	if len(errs) > 0 {
		return eris.Wrapf(model.ErrConfiguration, "config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateFeatures(add func(string, ...any)) {
	for _, k := range c.Features.LagDays {
		if k < 1 {
			add("features.lag_days must be >= 1, got %d", k)
		}
	}
	if c.Features.RollingWindow < 2 {
		add("features.rolling_window must be >= 2")
	}
	if len(c.Features.Targets) == 0 {
		add("features.targets is required")
	}
	pollutants := make(map[string]bool, len(c.Features.Pollutants))
	for _, p := range c.Features.Pollutants {
		pollutants[p] = true
	}
	for _, t := range c.Features.Targets {
		if !pollutants[t] {
			add("features.targets: %q is not a configured pollutant", t)
		}
	}
	if _, err := learn.ParseTransform(c.Features.TargetTransform); err != nil {
		add("features.target_transform %q is invalid", c.Features.TargetTransform)
	}
}

func (c *Config) validateSplit(add func(string, ...any)) {
	s := c.Split
	// Selection ranks runs on the validation slice, so it may not be empty.
	if s.TestFraction <= 0 || s.ValidationFraction <= 0 || s.TestFraction+s.ValidationFraction >= 1 {
		add("split fractions must satisfy test > 0, validation > 0, test + validation < 1")
	}
}

func (c *Config) validateExperiment(add func(string, ...any)) {
	e := c.Experiment
	if len(e.Modes) == 0 {
		add("experiment.modes is required")
	}
	for _, m := range e.Modes {
		if _, err := mode.Resolve(m); err != nil {
			add("experiment.modes: unknown mode %q", m)
		}
	}
	if len(e.Algorithms) == 0 {
		add("experiment.algorithms is required")
	}
	for _, a := range e.Algorithms {
		if _, err := learn.ParseAlgorithm(a); err != nil {
			add("experiment.algorithms: unknown algorithm %q", a)
		}
	}
	if e.Concurrency < 1 || e.Concurrency > 64 {
		add("experiment.concurrency must be between 1 and 64")
	}
	if e.SearchBudgetSecs <= 0 {
		add("experiment.search_budget_secs must be > 0")
	}
	if e.HoldoutFraction < 0 || e.HoldoutFraction >= 0.5 {
		add("experiment.holdout_fraction must be in [0, 0.5)")
	}
}

func (c *Config) validateStore(add func(string, ...any)) {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.Bucket == "" {
			add("blob.bucket is required for the s3 driver")
		}
	default:
		add("blob.driver must be fs, s3 or memory, got %q", c.Blob.Driver)
	}
}

func (c *Config) validateHistory(add func(string, ...any)) {
	switch c.History.Driver {
	case "", "table":
	case "postgres":
		if c.History.DatabaseURL == "" {
			add("history.database_url is required for the postgres driver")
		}
	default:
		add("history.driver must be table or postgres, got %q", c.History.Driver)
	}
}

func (c *Config) validateCache(add func(string, ...any)) {
	switch c.Cache.Driver {
	case "", "none", "memory":
	case "redis":
		if c.Cache.Addr == "" {
			add("cache.addr is required for the redis driver")
		}
	default:
		add("cache.driver must be none, memory or redis, got %q", c.Cache.Driver)
	}
	if c.Cache.TTLSecs < 0 {
		add("cache.ttl_secs must be >= 0")
	}
	if c.Cache.MaxEntries < 1 {
		add("cache.max_entries must be >= 1")
	}
}

func (c *Config) validateServer(add func(string, ...any)) {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port must be > 0 and <= 65535")
	}
	if c.Server.RateLimitRPS <= 0 {
		add("server.rate_limit_rps must be > 0")
	}
	if c.Server.Burst < 1 {
		add("server.burst must be >= 1")
	}
}
