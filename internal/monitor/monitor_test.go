package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	fail     map[int32]bool
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeSource) Sample(ctx context.Context, pid int32) (Stats, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail[pid] {
		return Stats{}, errors.New("no such process")
	}
	return Stats{PID: pid, CPUPercent: float64(pid), MemoryRSS: uint64(pid) * 1024}, nil
}

func TestCollectDegradesFailures(t *testing.T) {
	m := New(&fakeSource{fail: map[int32]bool{2: true}}, 4)
	got, err := m.Collect(context.Background(), map[string]int{"a": 1, "b": 2, "c": 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int32(1), got["a"].PID)
	assert.True(t, got["b"].Empty())
	assert.Equal(t, uint64(3*1024), got["c"].MemoryRSS)
}

func TestCollectRespectsConcurrency(t *testing.T) {
	src := &fakeSource{delay: 20 * time.Millisecond}
	m := New(src, 2)
	pids := map[string]int{}
	for i := 1; i <= 10; i++ {
		pids[string(rune('a'+i))] = i
	}
	got, err := m.Collect(context.Background(), pids)
	require.NoError(t, err)
	assert.Len(t, got, 10)
	assert.LessOrEqual(t, src.peak.Load(), int32(2))
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(&fakeSource{}, 1).Collect(ctx, map[string]int{"a": 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOne(t *testing.T) {
	m := New(&fakeSource{}, 0)
	assert.Equal(t, int32(7), m.One(context.Background(), "x", 7).PID)
}

func TestGopsutilSamplesSelf(t *testing.T) {
	s, err := Gopsutil{}.Sample(context.Background(), int32(os.Getpid()))
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), s.PID)
	assert.NotZero(t, s.MemoryRSS)
	assert.False(t, s.Ctime.IsZero())
	assert.GreaterOrEqual(t, s.Elapsed, int64(0))
}

func TestEmptyStatsEncodeAsEmptyObject(t *testing.T) {
	b, err := json.Marshal(Stats{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(b))

	now := time.Now()
	b, err = json.Marshal(Stats{PID: 4, Ctime: now, Timestamp: now})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"ctime"`)
	assert.Contains(t, string(b), `"timestamp"`)
}
