package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/dashfeed/internal/errs"
	"github.com/LeonardoBeccarini/dashfeed/internal/model"
)

type fakeBackend struct {
	mu     sync.Mutex
	calls  int
	last   Request
	points []model.Point
	err    error
	block  chan struct{}
}

func (b *fakeBackend) Telemetry(ctx context.Context, req Request) ([]model.Point, error) {
	b.mu.Lock()
	b.calls++
	b.last = req
	pts, err, block := b.points, b.err, b.block
	b.mu.Unlock()
	if block != nil {
		<-block
	}
	return pts, err
}

func (b *fakeBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBackend) fail(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFetcher(b Backend) (*Fetcher, *clock) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	return NewFetcher(Config{Backend: b, Now: clk.Now}), clk
}

var avgQuery = Query{DeviceID: "dev1", MetricID: "temperature", TimeRange: 1, Limit: 10, Aggregate: model.AggAvg}

func TestQueryKeyAndWindow(t *testing.T) {
	assert.Equal(t, "dev1|temperature|1|10|avg", avgQuery.Key())
	assert.Equal(t, "d|m|0.5|0|raw", Query{DeviceID: "d", MetricID: "m", TimeRange: 0.5}.Key())

	now := time.Unix(1_700_000_000, 0)
	start, end := Query{TimeRange: 0}.window(now)
	assert.Equal(t, now, end)
	assert.Equal(t, MinWindow, end.Sub(start), "window is at least five minutes")

	start, _ = Query{TimeRange: 2}.window(now)
	assert.Equal(t, 2*time.Hour, now.Sub(start))
}

func TestSampleLimit(t *testing.T) {
	assert.Equal(t, 100, Query{Limit: 5, Aggregate: model.AggAvg}.sampleLimit())
	assert.Equal(t, 300, Query{Limit: 30, Aggregate: model.AggMax}.sampleLimit())
	assert.Equal(t, 1000, Query{Limit: 500, Aggregate: model.AggSum}.sampleLimit())
	assert.Equal(t, 25, Query{Limit: 25, Aggregate: model.AggRaw}.sampleLimit())
}

func TestFetchHistoricalCachesWithinTTL(t *testing.T) {
	b := &fakeBackend{points: pts(3, 10.0, 2, 20.0, 1, 30.0)}
	f, clk := newFetcher(b)
	ctx := context.Background()

	r := f.FetchHistorical(ctx, avgQuery)
	require.True(t, r.Success)
	assert.Equal(t, []float64{20}, r.Data)
	assert.Equal(t, 100, b.last.Limit)

	r = f.FetchHistorical(ctx, avgQuery)
	assert.True(t, r.FromCache)
	assert.Equal(t, 1, b.Calls(), "one network call within TTL")

	clk.Advance(6 * time.Second)
	r = f.FetchHistorical(ctx, avgQuery)
	assert.True(t, r.Success)
	assert.Equal(t, 2, b.Calls(), "refetch after expiry")
}

func TestFetchHistoricalStaleOverMissing(t *testing.T) {
	b := &fakeBackend{points: pts(3, 10.0, 2, 20.0)}
	f, clk := newFetcher(b)
	ctx := context.Background()

	q := avgQuery
	q.IncludeRaw = true
	require.True(t, f.FetchHistorical(ctx, q).Success)

	b.fail(errors.New("connection refused"))
	clk.Advance(time.Minute)

	r := f.FetchHistorical(ctx, q)
	assert.False(t, r.Success)
	assert.True(t, r.Stale)
	assert.Equal(t, []float64{15}, r.Data, "last good data survives the failure")
	assert.Len(t, r.Raw, 2)
	assert.ErrorIs(t, r.Err, errs.ErrTransientFetch)

	_, ok := f.Cache().Get(q.Key())
	assert.True(t, ok, "failed fetch leaves the entry in place")
}

func TestFetchHistoricalMissingOnFirstFailure(t *testing.T) {
	b := &fakeBackend{err: context.DeadlineExceeded}
	f, _ := newFetcher(b)
	r := f.FetchHistorical(context.Background(), avgQuery)
	assert.False(t, r.Success)
	assert.Nil(t, r.Data)
	assert.ErrorIs(t, r.Err, errs.ErrTimeout)
}

func TestConcurrentFetchesShareOneCall(t *testing.T) {
	b := &fakeBackend{points: pts(1, 1.0), block: make(chan struct{})}
	f, _ := newFetcher(b)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := f.FetchHistorical(context.Background(), avgQuery)
			assert.True(t, r.Success)
		}()
	}
	require.Eventually(t, func() bool { return b.Calls() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(b.block)
	wg.Wait()
	assert.Equal(t, 1, b.Calls())
}

func TestMergePointMarksRefreshing(t *testing.T) {
	b := &fakeBackend{points: pts(3, 10.0, 2, 20.0, 1, 30.0)}
	f, clk := newFetcher(b)
	q := Query{DeviceID: "dev1", MetricID: "temperature", Limit: 10, Aggregate: model.AggLatest}

	_, ok := f.MergePoint(q, model.Point{Timestamp: 4, Value: 40.0})
	assert.False(t, ok, "nothing cached yet")

	f.FetchHistorical(context.Background(), q)
	r, ok := f.MergePoint(q, model.Point{Timestamp: 4, Value: 40.0})
	require.True(t, ok)
	assert.Equal(t, []float64{40}, r.Data)

	// past the TTL the refreshing entry is still served without a fetch
	clk.Advance(time.Minute)
	r = f.FetchHistorical(context.Background(), q)
	assert.Equal(t, []float64{40}, r.Data)
	assert.Equal(t, 1, b.Calls())

	// revalidation clears the flag with a real fetch
	r = f.Revalidate(context.Background(), q)
	assert.True(t, r.Success)
	assert.Equal(t, []float64{10}, r.Data)
	assert.Equal(t, 2, b.Calls())
	e, _ := f.Cache().Get(q.Key())
	assert.False(t, e.Refreshing)
}

type fakeStats struct {
	calls int
	err   error
}

func (s *fakeStats) SystemStats(context.Context) (model.SystemStats, error) {
	s.calls++
	if s.err != nil {
		return model.SystemStats{}, s.err
	}
	return model.SystemStats{CPUCount: 8, TotalMemory: 200, UsedMemory: 50}, nil
}

func TestSystemFetcher(t *testing.T) {
	b := &fakeStats{}
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	s := NewSystemFetcher(SystemConfig{Backend: b, Now: clk.Now})
	ctx := context.Background()

	v, r := s.Metric(ctx, "memory_percent", false)
	require.True(t, r.Success)
	assert.Equal(t, 25.0, v)

	v, _ = s.Metric(ctx, "cpu_count", false)
	assert.Equal(t, 8, v)
	assert.Equal(t, 1, b.calls)

	clk.Advance(10 * time.Second)
	b.err = errors.New("down")
	v, r = s.Metric(ctx, "cpu_count", false)
	assert.True(t, r.Stale)
	assert.Error(t, r.Err)
	assert.Equal(t, 8, v, "stale stats still answer")

	_, r = s.Metric(ctx, "nope", false)
	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Err, errs.ErrMalformedPayload)
}

func TestFetchTimesOutWhenBackendIgnoresContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	b := &fakeBackend{points: []model.Point{{Timestamp: 1, Value: 1.0}}, block: block}
	f := NewFetcher(Config{Backend: b, Timeout: 50 * time.Millisecond})

	for i := 0; i < 2; i++ {
		done := make(chan Result, 1)
		go func() { done <- f.FetchHistorical(context.Background(), avgQuery) }()
		select {
		case r := <-done:
			assert.False(t, r.Success)
			assert.ErrorIs(t, r.Err, errs.ErrTimeout)
		case <-time.After(time.Second):
			t.Fatalf("fetch %d still pending after the timeout", i)
		}
	}
	assert.Equal(t, 2, b.Calls(), "a timed out call frees its in-flight slot")
}

func TestForcedSystemMetricFetchesOnce(t *testing.T) {
	b := &fakeStats{}
	s := NewSystemFetcher(SystemConfig{Backend: b})
	ctx := context.Background()

	_, r := s.Metric(ctx, "cpu_count", false)
	require.True(t, r.Success)
	assert.Equal(t, 1, b.calls)

	b.err = errors.New("down")
	v, r := s.Metric(ctx, "cpu_count", true)
	assert.True(t, r.Stale)
	assert.Equal(t, 8, v)
	assert.Equal(t, 2, b.calls, "forced read goes to the backend exactly once")
}

type hungStats struct{ block chan struct{} }

func (s hungStats) SystemStats(context.Context) (model.SystemStats, error) {
	<-s.block
	return model.SystemStats{}, nil
}

func TestSystemFetchTimesOutWhenBackendIgnoresContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	s := NewSystemFetcher(SystemConfig{Backend: hungStats{block}, Timeout: 50 * time.Millisecond})

	done := make(chan StatsResult, 1)
	go func() { done <- s.Fetch(context.Background(), false) }()
	select {
	case r := <-done:
		assert.ErrorIs(t, r.Err, errs.ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("system fetch still pending after the timeout")
	}
}
