// Package telemetry fetches historical series and host stats on demand,
// behind the TTL caches and the in-flight table. A failed fetch never
// invalidates what is cached: callers get the stale data plus the error.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/LeonardoBeccarini/dashfeed/internal/cache"
	"github.com/LeonardoBeccarini/dashfeed/internal/errs"
	"github.com/LeonardoBeccarini/dashfeed/internal/inflight"
	"github.com/LeonardoBeccarini/dashfeed/internal/metrics"
	"github.com/LeonardoBeccarini/dashfeed/internal/model"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultCapacity = 50
	MinWindow       = 5 * time.Minute

	defaultRawLimit = 100
	minSampleLimit  = 100
	maxSampleLimit  = 1000
)

// Request is what a Backend is asked for.
type Request struct {
	DeviceID string
	Metric   string
	Start    time.Time
	End      time.Time
	Limit    int
}

// Backend is the historical time-series store.
type Backend interface {
	Telemetry(ctx context.Context, req Request) ([]model.Point, error)
}

// Query identifies one cached series.
type Query struct {
	DeviceID    string
	MetricID    string
	TimeRange   float64 // hours
	Limit       int
	Aggregate   model.Aggregate
	IncludeRaw  bool
	BypassCache bool
}

// QueryFor builds the query a telemetry source polls with. Raw points are
// always carried so image series can be shown.
func QueryFor(src model.DataSource) Query {
	agg := src.Aggregate
	if agg == "" {
		agg = model.AggRaw
	}
	return Query{
		DeviceID:   src.DeviceID,
		MetricID:   src.MetricID,
		TimeRange:  src.TimeRange,
		Limit:      src.Limit,
		Aggregate:  agg,
		IncludeRaw: true,
	}
}

// Key is deviceId|metricId|timeRange|limit|aggregate.
func (q Query) Key() string {
	return q.DeviceID + "|" + q.MetricID + "|" +
		strconv.FormatFloat(q.TimeRange, 'f', -1, 64) + "|" +
		strconv.Itoa(q.Limit) + "|" + string(q.aggregate())
}

func (q Query) aggregate() model.Aggregate {
	if q.Aggregate == "" {
		return model.AggRaw
	}
	return q.Aggregate
}

// window is [now - max(range, 5min), now].
func (q Query) window(now time.Time) (time.Time, time.Time) {
	d := time.Duration(q.TimeRange * float64(time.Hour))
	if d < MinWindow {
		d = MinWindow
	}
	return now.Add(-d), now
}

// sampleLimit inflates the request for reducing aggregates so the reduction
// sees enough of the window.
func (q Query) sampleLimit() int {
	if q.aggregate() == model.AggRaw {
		if q.Limit <= 0 {
			return defaultRawLimit
		}
		return q.Limit
	}
	return min(max(q.Limit*10, minSampleLimit), maxSampleLimit)
}

// Result of a historical fetch. Success is false whenever Err is set, even
// when stale Data is returned alongside it.
type Result struct {
	Data      []float64
	Raw       []model.Point
	Success   bool
	Err       error
	Stale     bool
	FromCache bool
}

type fetched struct {
	data []float64
	raw  []model.Point
}

type Config struct {
	Backend  Backend
	Cache    *cache.Cache[[]float64]
	Timeout  time.Duration
	Inflight int
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Fetcher is the telemetry cache front.
type Fetcher struct {
	backend Backend
	cache   *cache.Cache[[]float64]
	group   *inflight.Group[fetched]
	timeout time.Duration
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewFetcher(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New[[]float64](cache.Config{
			Name:     "telemetry",
			Capacity: DefaultCapacity,
			Metrics:  cfg.Metrics,
			Now:      cfg.Now,
		})
	}
	return &Fetcher{
		backend: cfg.Backend,
		cache:   cfg.Cache,
		group:   inflight.New[fetched]("telemetry", cfg.Inflight, cfg.Metrics),
		timeout: cfg.Timeout,
		metrics: cfg.Metrics,
		log:     cfg.Logger.With("component", "telemetry"),
		now:     cfg.Now,
	}
}

// Cache exposes the underlying cache for sweeping and stats.
func (f *Fetcher) Cache() *cache.Cache[[]float64] { return f.cache }

// FetchHistorical serves q from cache when fresh (or when an optimistic merge
// is waiting on its refetch), otherwise from the backend through the
// in-flight table.
func (f *Fetcher) FetchHistorical(ctx context.Context, q Query) Result {
	key := q.Key()
	if !q.BypassCache {
		if e, ok := f.cache.Fresh(key); ok {
			return f.result(q, e, nil, true)
		}
		if e, ok := f.cache.Get(key); ok && e.Refreshing {
			return f.result(q, e, nil, true)
		}
	}

	got, _, err := f.group.Do(ctx, key, func(ctx context.Context) (fetched, error) {
		return f.load(ctx, q, key)
	})
	if err != nil {
		err = errs.FromFetch("telemetry", "fetch "+key, err)
		if e, ok := f.cache.Get(key); ok {
			r := f.result(q, e, err, true)
			r.Stale = true
			return r
		}
		return Result{Err: err}
	}
	r := Result{Data: got.data, Success: true}
	if q.IncludeRaw {
		r.Raw = got.raw
	}
	return r
}

func (f *Fetcher) load(ctx context.Context, q Query, key string) (fetched, error) {
	started := time.Now()
	start, end := q.window(f.now())
	req := Request{
		DeviceID: q.DeviceID,
		Metric:   q.MetricID,
		Start:    start,
		End:      end,
		Limit:    q.sampleLimit(),
	}
	points, err := inflight.Bounded(ctx, f.timeout, func(ctx context.Context) ([]model.Point, error) {
		return f.backend.Telemetry(ctx, req)
	})
	f.metrics.Fetch("telemetry", started, err)
	if err != nil {
		f.log.Warn("fetch failed", "key", key, "err", err)
		return fetched{}, err
	}

	points = Dedupe(Normalize(points), q.Limit)
	data := f.reduce(q, points)
	f.cache.Set(key, data, points)
	return fetched{data: data, raw: points}, nil
}

func (f *Fetcher) reduce(q Query, points []model.Point) []float64 {
	data := Aggregate(points, q.aggregate())
	if q.aggregate() == model.AggRaw && q.Limit > 0 && len(data) > q.Limit {
		data = data[:q.Limit]
	}
	return data
}

func (f *Fetcher) result(q Query, e cache.Entry[[]float64], err error, fromCache bool) Result {
	r := Result{Data: e.Data, Success: err == nil, Err: err, FromCache: fromCache}
	if q.IncludeRaw {
		r.Raw = e.Raw
	}
	return r
}

// MergePoint folds a pushed sample into the cached buffer for q, recomputes
// the reduction and flags the entry as refreshing. It reports false when
// nothing is cached for q yet; there is no buffer to merge into then.
func (f *Fetcher) MergePoint(q Query, p model.Point) (Result, bool) {
	var out Result
	ok := f.cache.Update(q.Key(), func(e *cache.Entry[[]float64]) bool {
		e.Raw = Merge(e.Raw, p, q.Limit)
		e.Data = f.reduce(q, e.Raw)
		e.Refreshing = true
		out = f.result(q, *e, nil, true)
		return true
	})
	return out, ok
}

// SetRefreshAfter records when the coalesced refetch for q is due.
func (f *Fetcher) SetRefreshAfter(q Query, at time.Time) {
	f.cache.Update(q.Key(), func(e *cache.Entry[[]float64]) bool {
		e.Refreshing = true
		e.RefreshAfter = at
		return true
	})
}

// Revalidate invalidates q and refetches it, bypassing the cache.
func (f *Fetcher) Revalidate(ctx context.Context, q Query) Result {
	f.cache.Invalidate(q.Key())
	q.BypassCache = true
	return f.FetchHistorical(ctx, q)
}

// ClearRefreshing drops the pending-refresh flag, used when a scheduled
// refetch is cancelled.
func (f *Fetcher) ClearRefreshing(q Query) {
	f.cache.Update(q.Key(), func(e *cache.Entry[[]float64]) bool {
		if !e.Refreshing {
			return false
		}
		e.Refreshing = false
		e.RefreshAfter = time.Time{}
		return true
	})
}
