package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeonardoBeccarini/dashfeed/internal/cache"
	"github.com/LeonardoBeccarini/dashfeed/internal/errs"
	"github.com/LeonardoBeccarini/dashfeed/internal/inflight"
	"github.com/LeonardoBeccarini/dashfeed/internal/metrics"
	"github.com/LeonardoBeccarini/dashfeed/internal/model"
)

const (
	SystemCapacity = 20
	systemKey      = "system"
)

// StatsBackend returns the host stats of the backend.
type StatsBackend interface {
	SystemStats(ctx context.Context) (model.SystemStats, error)
}

// StatsResult mirrors Result for host stats.
type StatsResult struct {
	Stats   model.SystemStats
	Success bool
	Err     error
	Stale   bool
}

type SystemConfig struct {
	Backend StatsBackend
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// SystemFetcher caches GET /api/stats/system.
type SystemFetcher struct {
	backend StatsBackend
	cache   *cache.Cache[model.SystemStats]
	group   *inflight.Group[model.SystemStats]
	timeout time.Duration
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewSystemFetcher(cfg SystemConfig) *SystemFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SystemFetcher{
		backend: cfg.Backend,
		cache: cache.New[model.SystemStats](cache.Config{
			Name:     "system",
			Capacity: SystemCapacity,
			Metrics:  cfg.Metrics,
			Now:      cfg.Now,
		}),
		group:   inflight.New[model.SystemStats]("system", 0, cfg.Metrics),
		timeout: cfg.Timeout,
		metrics: cfg.Metrics,
		log:     cfg.Logger.With("component", "system-stats"),
	}
}

func (s *SystemFetcher) Cache() *cache.Cache[model.SystemStats] { return s.cache }

// Fetch returns cached stats while fresh, otherwise refetches; on failure the
// last good stats come back flagged stale.
func (s *SystemFetcher) Fetch(ctx context.Context, bypass bool) StatsResult {
	if !bypass {
		if e, ok := s.cache.Fresh(systemKey); ok {
			return StatsResult{Stats: e.Data, Success: true}
		}
	}
	st, _, err := s.group.Do(ctx, systemKey, func(ctx context.Context) (model.SystemStats, error) {
		started := time.Now()
		st, err := inflight.Bounded(ctx, s.timeout, s.backend.SystemStats)
		s.metrics.Fetch("system", started, err)
		if err != nil {
			s.log.Warn("fetch failed", "err", err)
			return st, err
		}
		s.cache.Set(systemKey, st, nil)
		return st, nil
	})
	if err != nil {
		err = errs.FromFetch("system", "fetch", err)
		if e, ok := s.cache.Get(systemKey); ok {
			return StatsResult{Stats: e.Data, Err: err, Stale: true}
		}
		return StatsResult{Err: err}
	}
	return StatsResult{Stats: st, Success: true}
}

// Metric fetches the stats and picks one field. force skips the fresh cache;
// concurrent forced calls still share one request.
func (s *SystemFetcher) Metric(ctx context.Context, name string, force bool) (any, StatsResult) {
	r := s.Fetch(ctx, force)
	if !r.Success && !r.Stale {
		return nil, r
	}
	v, ok := r.Stats.Metric(name)
	if !ok {
		r.Success = false
		r.Err = errs.Malformed("system", "metric", fmt.Errorf("unknown metric %q", name))
	}
	return v, r
}
