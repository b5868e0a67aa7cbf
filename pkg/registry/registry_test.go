package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/swarm-token-server/pkg/discovery"
	"github.com/amirimatin/swarm-token-server/pkg/health"
	obsmetrics "github.com/amirimatin/swarm-token-server/pkg/observability/metrics"
	"github.com/amirimatin/swarm-token-server/pkg/transport/httpjson"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingProber struct {
	clock *fakeClock
	calls sync.Map // peer -> *atomic.Int64
	total atomic.Int64
	delay time.Duration
}

func (p *countingProber) ProbeHealth(ctx context.Context, peer string) health.Result {
	v, _ := p.calls.LoadOrStore(peer, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
	p.total.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return health.Result{Source: peer, Status: health.StatusHealthy, Swarm: "active", Timestamp: p.clock.Now()}
}

func (p *countingProber) count(peer string) int64 {
	v, ok := p.calls.Load(peer)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func newTestRegistry(t *testing.T, csv string) (*Registry, *countingProber, *fakeClock) {
	t.Helper()
	clock := newClock()
	prober := &countingProber{clock: clock}
	r, err := New(Options{
		Discovery: discovery.Func(func() ([]string, error) { return discovery.ParseCSV(csv), nil }),
		Prober:    prober,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	return r, prober, clock
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Prober: ProberFunc(func(context.Context, string) health.Result { return health.Result{} })})
	assert.ErrorIs(t, err, ErrNoDiscovery)
	_, err = New(Options{Discovery: discovery.Func(func() ([]string, error) { return nil, nil })})
	assert.ErrorIs(t, err, ErrNoProber)
}

func TestNewLoadsPeers(t *testing.T) {
	r, _, _ := newTestRegistry(t, "a:1, b:2,,c:3")
	l := r.List()
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, l.Peers)
	assert.Equal(t, 30*time.Second, l.TTL)
}

func TestNewPropagatesDiscoveryError(t *testing.T) {
	boom := errors.New("boom")
	_, err := New(Options{
		Discovery: discovery.Func(func() ([]string, error) { return nil, boom }),
		Prober:    ProberFunc(func(context.Context, string) health.Result { return health.Result{} }),
	})
	assert.ErrorIs(t, err, boom)
}

func TestGetOrRefreshWithinTTLProbesOnce(t *testing.T) {
	r, prober, clock := newTestRegistry(t, "a:1")
	ctx := context.Background()

	first := r.GetOrRefresh(ctx, "a:1")
	clock.Advance(29 * time.Second)
	second := r.GetOrRefresh(ctx, "a:1")

	assert.Equal(t, int64(1), prober.count("a:1"))
	assert.Equal(t, first, second)
}

func TestGetOrRefreshAfterTTLProbesAgain(t *testing.T) {
	r, prober, clock := newTestRegistry(t, "a:1")
	ctx := context.Background()

	first := r.GetOrRefresh(ctx, "a:1")
	clock.Advance(30 * time.Second)
	second := r.GetOrRefresh(ctx, "a:1")

	assert.Equal(t, int64(2), prober.count("a:1"))
	assert.True(t, second.Timestamp.After(first.Timestamp))
}

func TestReloadClearsCache(t *testing.T) {
	r, prober, _ := newTestRegistry(t, "a:1,b:2")
	ctx := context.Background()

	r.GetOrRefresh(ctx, "a:1")
	r.GetOrRefresh(ctx, "b:2")
	require.NoError(t, r.Reload())
	r.GetOrRefresh(ctx, "a:1")
	r.GetOrRefresh(ctx, "b:2")

	assert.Equal(t, int64(2), prober.count("a:1"))
	assert.Equal(t, int64(2), prober.count("b:2"))
}

func TestLoadKeepsCache(t *testing.T) {
	r, prober, _ := newTestRegistry(t, "a:1")
	ctx := context.Background()

	r.GetOrRefresh(ctx, "a:1")
	require.NoError(t, r.Load())
	r.GetOrRefresh(ctx, "a:1")

	assert.Equal(t, int64(1), prober.count("a:1"))
}

func TestReloadReplacesPeers(t *testing.T) {
	var mu sync.Mutex
	csv := "a:1,b:2"
	clock := newClock()
	r, err := New(Options{
		Discovery: discovery.Func(func() ([]string, error) {
			mu.Lock()
			defer mu.Unlock()
			return discovery.ParseCSV(csv), nil
		}),
		Prober: &countingProber{clock: clock},
		Now:    clock.Now,
	})
	require.NoError(t, err)

	mu.Lock()
	csv = "c:3"
	mu.Unlock()
	assert.Equal(t, []string{"a:1", "b:2"}, r.Peers())
	require.NoError(t, r.Reload())
	assert.Equal(t, []string{"c:3"}, r.Peers())
}

func TestReloadErrorKeepsState(t *testing.T) {
	fail := false
	clock := newClock()
	prober := &countingProber{clock: clock}
	r, err := New(Options{
		Discovery: discovery.Func(func() ([]string, error) {
			if fail {
				return nil, errors.New("source down")
			}
			return []string{"a:1"}, nil
		}),
		Prober: prober,
		Now:    clock.Now,
	})
	require.NoError(t, err)
	r.GetOrRefresh(context.Background(), "a:1")

	fail = true
	assert.Error(t, r.Reload())
	assert.Equal(t, []string{"a:1"}, r.Peers())
	r.GetOrRefresh(context.Background(), "a:1")
	assert.Equal(t, int64(1), prober.count("a:1"))
}

func TestPeersReturnsCopy(t *testing.T) {
	r, _, _ := newTestRegistry(t, "a:1,b:2")
	p := r.Peers()
	p[0] = "x"
	assert.Equal(t, []string{"a:1", "b:2"}, r.Peers())
}

func TestConcurrentMissesShareProbe(t *testing.T) {
	r, prober, _ := newTestRegistry(t, "a:1")
	prober.delay = 50 * time.Millisecond
	sharedBefore := testutil.ToFloat64(obsmetrics.CacheLookups.WithLabelValues("shared"))
	missBefore := testutil.ToFloat64(obsmetrics.CacheLookups.WithLabelValues("miss"))
	defer func() {
		assert.Equal(t, 1.0, testutil.ToFloat64(obsmetrics.CacheLookups.WithLabelValues("miss"))-missBefore)
		assert.Greater(t, testutil.ToFloat64(obsmetrics.CacheLookups.WithLabelValues("shared")), sharedBefore)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := r.GetOrRefresh(context.Background(), "a:1")
			assert.Equal(t, health.StatusHealthy, res.Status)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), prober.count("a:1"))
}

func TestProbeDuringReloadDoesNotRepopulate(t *testing.T) {
	clock := newClock()
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	r, err := New(Options{
		Discovery: discovery.Func(func() ([]string, error) { return []string{"a:1"}, nil }),
		Prober: ProberFunc(func(ctx context.Context, peer string) health.Result {
			if calls.Add(1) == 1 {
				close(started)
				<-release
			}
			return health.Result{Source: peer, Status: health.StatusHealthy, Timestamp: clock.Now()}
		}),
		Now: clock.Now,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.GetOrRefresh(context.Background(), "a:1")
	}()
	<-started
	require.NoError(t, r.Reload())
	close(release)
	<-done

	r.GetOrRefresh(context.Background(), "a:1")
	assert.Equal(t, int64(2), calls.Load(), "result of a pre-reload probe must not be cached")
}

func TestConcurrentAccessIsSafe(t *testing.T) {
	r, _, clock := newTestRegistry(t, "a:1,b:2,c:3")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 4 {
			case 0:
				_ = r.Reload()
			case 1:
				clock.Advance(time.Second)
			default:
				for _, p := range r.Peers() {
					r.GetOrRefresh(context.Background(), p)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.List().Peers, 3)
}

func TestCanceledCallerDoesNotCacheFailure(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","swarm":"active"}`))
	}))
	defer peer.Close()
	addr := strings.TrimPrefix(peer.URL, "http://")

	var probes atomic.Int64
	client := httpjson.NewClient(time.Second)
	r, err := New(Options{
		Discovery: discovery.Func(func() ([]string, error) { return []string{addr}, nil }),
		Prober: ProberFunc(func(ctx context.Context, p string) health.Result {
			probes.Add(1)
			return client.ProbeHealth(ctx, p)
		}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	first := r.GetOrRefresh(ctx, addr)
	assert.Equal(t, health.StatusHealthy, first.Status, first.Error)

	second := r.GetOrRefresh(context.Background(), addr)
	assert.Equal(t, health.StatusHealthy, second.Status, second.Error)
	assert.Equal(t, int64(1), probes.Load())
}

func TestPanickingProberReleasesWaiters(t *testing.T) {
	var calls atomic.Int64
	r, err := New(Options{
		Discovery: discovery.Func(func() ([]string, error) { return []string{"a:1"}, nil }),
		Prober: ProberFunc(func(ctx context.Context, peer string) health.Result {
			if calls.Add(1) == 1 {
				panic("prober bug")
			}
			return health.Result{Source: peer, Status: health.StatusHealthy, Timestamp: time.Now()}
		}),
	})
	require.NoError(t, err)

	assert.Panics(t, func() { r.GetOrRefresh(context.Background(), "a:1") })

	done := make(chan health.Result, 1)
	go func() { done <- r.GetOrRefresh(context.Background(), "a:1") }()
	select {
	case res := <-done:
		assert.Equal(t, health.StatusHealthy, res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("GetOrRefresh blocked on an abandoned probe")
	}
	assert.Equal(t, int64(2), calls.Load())
}
