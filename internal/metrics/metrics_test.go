package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freshRegistry registers the collectors with a new registry regardless of
// what earlier tests did.
func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	return reg
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := freshRegistry(t)
	require.NoError(t, Register(reg))

	IncStart("a")
	IncStart("a")
	IncStartFailure("a")
	IncStop("a")
	IncExit("a")
	ObserveSettle("a", 1.25)
	SetRunning(3)
	RecordStateTransition("a", "stopped", "starting")
	SetResourceUsage("a", 12.5, 4096)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"nodehost_node_starts_total":            false,
		"nodehost_node_start_failures_total":    false,
		"nodehost_node_stops_total":             false,
		"nodehost_node_exits_total":             false,
		"nodehost_node_settle_duration_seconds": false,
		"nodehost_node_running":                 false,
		"nodehost_node_state_transitions_total": false,
		"nodehost_node_cpu_percent":             false,
		"nodehost_node_memory_rss_bytes":        false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = len(mf.GetMetric()) > 0
		}
	}
	for n, ok := range want {
		assert.True(t, ok, "expected samples for %s", n)
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(runningNodes))
	assert.Equal(t, float64(4096), testutil.ToFloat64(memoryRSS.WithLabelValues("a")))
}

func TestForgetDropsNodeSeries(t *testing.T) {
	_ = freshRegistry(t)
	SetResourceUsage("gone", 1, 1)
	RecordStateTransition("gone", "running", "stopped")
	SetResourceUsage("kept", 1, 1)
	cpuBefore := testutil.CollectAndCount(cpuPercent)
	transBefore := testutil.CollectAndCount(stateTransitions)

	Forget("gone")
	assert.Equal(t, cpuBefore-1, testutil.CollectAndCount(cpuPercent))
	assert.Equal(t, transBefore-1, testutil.CollectAndCount(stateTransitions))
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("x")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), "nodehost_node_starts_total")
}

func TestHandlerFor(t *testing.T) {
	reg := freshRegistry(t)
	IncExit("y")
	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `nodehost_node_exits_total{node="y"}`)
}

func TestConcurrentIncrements(t *testing.T) {
	reg := freshRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("c")
			IncExit("c")
			IncStop("c")
		}()
	}
	wg.Wait()
	_, err := reg.Gather()
	require.NoError(t, err)
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// no-ops, must not panic
	IncStart("test")
	IncStartFailure("test")
	IncStop("test")
	IncExit("test")
	ObserveSettle("test", 1.0)
	SetRunning(5)
	RecordStateTransition("test", "starting", "running")
	SetResourceUsage("test", 1, 1)
	Forget("test")
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	require.Error(t, err)
	assert.Equal(t, "test registration error", err.Error())
	assert.False(t, regOK.Load())
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
