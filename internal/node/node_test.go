//go:build !windows

package node

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/nodehost/internal/monitor"
	"github.com/loykin/nodehost/internal/process"
	"github.com/loykin/nodehost/internal/store"
	"github.com/loykin/nodehost/internal/store/sqlite"
	"github.com/loykin/nodehost/internal/workspace"
)

const testSettle = 300 * time.Millisecond

type fakeStats struct{}

func (fakeStats) Sample(_ context.Context, pid int32) (monitor.Stats, error) {
	return monitor.Stats{PID: pid, CPUPercent: 1.5, MemoryRSS: 2048}, nil
}

type harness struct {
	c  *Controller
	st *store.SQL
	ws *workspace.Workspace
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(context.Background()))
	ws := workspace.NewOS(t.TempDir())
	require.NoError(t, ws.Init())

	cfg := Config{SettleWindow: testSettle, Interpreter: "/bin/sh", PackageManager: "/bin/sh"}
	opts = append([]Option{WithMonitor(monitor.New(fakeStats{}, 2))}, opts...)
	c := New(st, ws, cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
		_ = st.Close()
	})
	return &harness{c: c, st: st, ws: ws}
}

// scripted creates a node running script with /bin/sh.
func (h *harness) scripted(t *testing.T, name, script string) *store.Node {
	t.Helper()
	n, err := h.c.Create(context.Background(), CreateInput{Name: name, Type: int(TypeNodeJS), Executable: "run.sh"})
	require.NoError(t, err)
	dir, err := h.ws.Dir(n.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o600))
	return n
}

func (h *harness) record(t *testing.T, id string) *store.Node {
	t.Helper()
	n, err := h.st.GetNode(context.Background(), id)
	require.NoError(t, err)
	return n
}

func output(n *store.Node) string {
	if n.Output == nil {
		return ""
	}
	return *n.Output
}

func TestCreateProvisionsDirectory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n, err := h.c.Create(ctx, CreateInput{Name: " api ", Type: 2, Executable: "start", Env: map[string]string{"PORT": "80"}})
	require.NoError(t, err)
	assert.Equal(t, "api", n.Name)
	assert.False(t, n.Start)
	assert.False(t, n.Error)
	assert.Nil(t, n.Output)

	ok, err := h.ws.Exists(n.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.c.Create(ctx, CreateInput{Name: "api", Type: 1, Executable: "x.js"})
	assert.ErrorIs(t, err, store.ErrNameConflict)

	_, err = h.c.Create(ctx, CreateInput{Name: "", Type: 1, Executable: "x.js"})
	assert.True(t, IsInvalid(err))
	_, err = h.c.Create(ctx, CreateInput{Name: "b", Type: 9, Executable: "x.js"})
	assert.ErrorIs(t, err, ErrUnknownType)
	_, err = h.c.Create(ctx, CreateInput{Name: "c", Type: 1})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCreateRollsBackWhenDirectoryFails(t *testing.T) {
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	require.NoError(t, st.EnsureSchema(context.Background()))
	ws := workspace.New(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/data")
	c := New(st, ws, Config{})

	_, err = c.Create(context.Background(), CreateInput{Name: "x", Type: 1, Executable: "x.js"})
	require.Error(t, err)
	_, total, err := st.ListNodes(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestStartSettlesAndCommits(t *testing.T) {
	h := newHarness(t)
	n := h.scripted(t, "ok", "echo hello; sleep 30")

	res, err := h.c.Start(context.Background(), n.ID)
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.True(t, res.Node.Start)
	assert.False(t, res.Node.Error)
	assert.NotNil(t, res.Node.Started)
	assert.Nil(t, res.Node.Stopped)
	assert.Contains(t, output(res.Node), "hello")

	v, err := h.c.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.True(t, v.Running)
	assert.Equal(t, uint64(2048), v.Stats.MemoryRSS)

	_, err = h.c.Start(context.Background(), n.ID)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStartFailsOnStderr(t *testing.T) {
	h := newHarness(t)
	n := h.scripted(t, "noisy", "echo boom 1>&2; sleep 30")

	begin := time.Now()
	res, err := h.c.Start(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), testSettle+time.Second)
	assert.True(t, res.Failed)
	assert.True(t, res.Node.Start, "desired state is kept")
	assert.True(t, res.Node.Error)
	assert.Nil(t, res.Node.Started)
	assert.NotNil(t, res.Node.Stopped)
	assert.Contains(t, output(res.Node), "boom")
}

func TestStartFailsOnExit(t *testing.T) {
	h := newHarness(t)
	n := h.scripted(t, "quitter", "echo bye; exit 3")

	res, err := h.c.Start(context.Background(), n.ID)
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.True(t, res.Node.Error)

	require.Eventually(t, func() bool {
		return strings.Contains(output(h.record(t, n.ID)), "Process closed")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, h.c.Registry().Len())
	rec := h.record(t, n.ID)
	assert.Contains(t, output(rec), "bye")
	assert.Contains(t, output(rec), "\nProcess closed with code 3\n")
	assert.Nil(t, rec.Started)
	assert.True(t, rec.Error)
}

func TestStartSpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.c.cfg.Interpreter = "/nonexistent/interpreter"
	n := h.scripted(t, "broken", "true")

	res, err := h.c.Start(context.Background(), n.ID)
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.True(t, res.Node.Error)
	assert.True(t, res.Node.Start)
	assert.NotEmpty(t, output(res.Node))
	assert.Equal(t, 0, h.c.Registry().Len())

	// the reservation was released
	h.c.cfg.Interpreter = "/bin/sh"
	res, err = h.c.Start(context.Background(), n.ID)
	require.NoError(t, err)
	assert.True(t, res.Failed, "script exits immediately")
}

func TestStartOutputResetsPerLaunch(t *testing.T) {
	h := newHarness(t)
	n := h.scripted(t, "again", "echo run-$$; exit 0")
	closed := func() bool { return strings.Contains(output(h.record(t, n.ID)), "Process closed with code 0") }

	_, err := h.c.Start(context.Background(), n.ID)
	require.NoError(t, err)
	require.Eventually(t, closed, 5*time.Second, 20*time.Millisecond)
	first := output(h.record(t, n.ID))

	_, err = h.c.Start(context.Background(), n.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return closed() && output(h.record(t, n.ID)) != first
	}, 5*time.Second, 20*time.Millisecond)
	second := output(h.record(t, n.ID))
	assert.Equal(t, 1, strings.Count(second, "Process closed"))
	assert.NotContains(t, second, strings.TrimSpace(strings.Split(first, "\n")[0]))
}

func TestStartUnknownNode(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Start(context.Background(), "4b1d4b36-7dc0-4f41-9c41-3a0f1a7f2a11")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartCommitsAfterCallerCancels(t *testing.T) {
	h := newHarness(t)
	n := h.scripted(t, "patient", "sleep 30")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.c.Start(ctx, n.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		return h.record(t, n.ID).Started != nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, h.record(t, n.ID).Start)
}

func TestStopRunningNode(t *testing.T) {
	h := newHarness(t)
	n := h.scripted(t, "stoppable", "echo up; sleep 30")
	_, err := h.c.Start(context.Background(), n.ID)
	require.NoError(t, err)

	rec, err := h.c.Stop(context.Background(), n.ID)
	require.NoError(t, err)
	assert.False(t, rec.Start)
	assert.False(t, rec.Error)
	assert.Nil(t, rec.Started)
	assert.NotNil(t, rec.Stopped)
	assert.Equal(t, 0, h.c.Registry().Len())

	// the exit after a requested stop only appends to the output
	require.Eventually(t, func() bool {
		return strings.Contains(output(h.record(t, n.ID)), "Process closed with code")
	}, 5*time.Second, 20*time.Millisecond)
	final := h.record(t, n.ID)
	assert.False(t, final.Error)
	assert.False(t, final.Start)
	assert.Nil(t, final.Started)
}

func TestStopWithoutProcess(t *testing.T) {
	h := newHarness(t)
	n := h.scripted(t, "idle", "true")

	rec, err := h.c.Stop(context.Background(), n.ID)
	assert.ErrorIs(t, err, ErrNotRunning)
	require.NotNil(t, rec)
	assert.False(t, rec.Start)
	assert.True(t, rec.Error)
	assert.NotNil(t, rec.Stopped)

	_, err = h.c.Stop(context.Background(), "4b1d4b36-7dc0-4f41-9c41-3a0f1a7f2a11")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteRunningNode(t *testing.T) {
	h := newHarness(t)
	n := h.scripted(t, "doomed", "sleep 30")
	_, err := h.c.Start(context.Background(), n.ID)
	require.NoError(t, err)

	require.NoError(t, h.c.Delete(context.Background(), n.ID))
	_, err = h.st.GetNode(context.Background(), n.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	ok, err := h.ws.Exists(n.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, h.c.Registry().Len())
}

func TestDeleteMissingDirectory(t *testing.T) {
	h := newHarness(t)
	n := h.scripted(t, "orphan", "true")
	dir, err := h.ws.Dir(n.ID)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	err = h.c.Delete(context.Background(), n.ID)
	assert.ErrorIs(t, err, ErrWorkspaceMissing)
	_, err = h.st.GetNode(context.Background(), n.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "record is removed anyway")
}

func TestRecoverStartsDesiredNodes(t *testing.T) {
	var spawned atomic.Int32
	counting := func(s process.Spec) (*process.Handle, error) {
		spawned.Add(1)
		return process.Start(s)
	}
	h := newHarness(t, WithSpawner(counting))
	ctx := context.Background()
	a := h.scripted(t, "a", "sleep 30")
	b := h.scripted(t, "b", "sleep 30")
	_ = h.scripted(t, "c", "sleep 30")
	for _, id := range []string{a.ID, b.ID} {
		_, err := h.st.UpdateNode(ctx, id, store.Patch{Start: store.Set(true)})
		require.NoError(t, err)
	}

	started, err := h.c.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	assert.Equal(t, int32(2), spawned.Load())
	assert.Equal(t, 2, h.c.Registry().Len())
}

func TestListEnrichesRunningNodes(t *testing.T) {
	h := newHarness(t)
	run := h.scripted(t, "runner", "sleep 30")
	idle := h.scripted(t, "idle", "true")
	_, err := h.c.Start(context.Background(), run.ID)
	require.NoError(t, err)

	views, total, err := h.c.List(context.Background(), store.ListOptions{Sort: "name"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, views, 2)
	assert.Equal(t, idle.ID, views[0].ID)
	assert.False(t, views[0].Running)
	assert.True(t, views[0].Stats.Empty())
	assert.Equal(t, run.ID, views[1].ID)
	assert.True(t, views[1].Running)
	assert.Equal(t, 1.5, views[1].Stats.CPUPercent)

	_, _, err = h.c.List(context.Background(), store.ListOptions{Sort: "password"})
	assert.True(t, IsInvalid(err))
}

func TestUpdateNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.scripted(t, "a", "true")
	_ = h.scripted(t, "b", "true")

	name := "renamed"
	cmd := "--port 8080"
	n, err := h.c.Update(ctx, a.ID, UpdateInput{Name: &name, Command: &cmd})
	require.NoError(t, err)
	assert.Equal(t, "renamed", n.Name)
	assert.Equal(t, "--port 8080", n.Command)
	assert.Equal(t, "run.sh", n.Executable)

	taken := "b"
	_, err = h.c.Update(ctx, a.ID, UpdateInput{Name: &taken})
	assert.ErrorIs(t, err, store.ErrNameConflict)

	bad := 7
	_, err = h.c.Update(ctx, a.ID, UpdateInput{Type: &bad})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = h.c.Update(ctx, "4b1d4b36-7dc0-4f41-9c41-3a0f1a7f2a11", UpdateInput{Command: &cmd})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTailStreamsOutput(t *testing.T) {
	h := newHarness(t)
	n := h.scripted(t, "chatty", "echo first; sleep 0.6; echo later; sleep 30")
	_, err := h.c.Start(context.Background(), n.ID)
	require.NoError(t, err)

	snap, ch, cancel, err := h.c.Tail(n.ID)
	require.NoError(t, err)
	defer cancel()
	assert.Contains(t, snap, "first")

	select {
	case chunk := <-ch:
		assert.Contains(t, string(chunk), "later")
	case <-time.After(5 * time.Second):
		t.Fatal("no live output")
	}

	_, _, _, err = h.c.Tail("4b1d4b36-7dc0-4f41-9c41-3a0f1a7f2a11")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestShutdownKeepsDesiredState(t *testing.T) {
	h := newHarness(t)
	n := h.scripted(t, "persistent", "sleep 30")
	_, err := h.c.Start(context.Background(), n.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.c.Shutdown(ctx))

	rec := h.record(t, n.ID)
	assert.True(t, rec.Start)
	assert.Equal(t, 0, h.c.Registry().Len())

	_, err = h.c.Start(context.Background(), n.ID)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestTypesCatalog(t *testing.T) {
	c := New(nil, nil, Config{})
	assert.Equal(t, []TypeInfo{
		{ID: "1", Name: "NodeJS", Launcher: "node"},
		{ID: "2", Name: "NPM", Launcher: "npm"},
	}, c.Types())
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := keyedMutex{m: make(map[string]*keyLock)}
	u1 := k.Lock("a")
	done := make(chan struct{})
	go func() {
		u2 := k.Lock("a")
		u2()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	u1()
	<-done
	assert.Empty(t, k.m)
}

// gatedSpawn launches the worker, then holds the spawn call open until
// release is closed, so callers can act between spawn and commit.
type gatedSpawn struct {
	entered chan struct{}
	release chan struct{}
	handle  atomic.Pointer[process.Handle]
}

func newGatedSpawn() *gatedSpawn {
	return &gatedSpawn{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSpawn) spawn(s process.Spec) (*process.Handle, error) {
	p, err := process.Start(s)
	if err == nil {
		g.handle.Store(p)
	}
	close(g.entered)
	<-g.release
	return p, err
}

func (g *gatedSpawn) waitExit(t *testing.T) {
	t.Helper()
	p := g.handle.Load()
	require.NotNil(t, p)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker still running")
	}
}

type startOutcome struct {
	res *StartResult
	err error
}

func startAsync(c *Controller, id string) <-chan startOutcome {
	done := make(chan startOutcome, 1)
	go func() {
		res, err := c.Start(context.Background(), id)
		done <- startOutcome{res, err}
	}()
	return done
}

func TestDeleteWhileSpawning(t *testing.T) {
	g := newGatedSpawn()
	h := newHarness(t, WithSpawner(g.spawn))
	n := h.scripted(t, "racing", "sleep 30")

	done := startAsync(h.c, n.ID)
	<-g.entered
	require.NoError(t, h.c.Delete(context.Background(), n.ID))
	close(g.release)

	o := <-done
	assert.ErrorIs(t, o.err, store.ErrNotFound)
	g.waitExit(t)
	assert.Equal(t, 0, h.c.Registry().Len())
	assert.False(t, h.c.Registry().Busy(n.ID))
}

func TestStopWhileSpawning(t *testing.T) {
	g := newGatedSpawn()
	h := newHarness(t, WithSpawner(g.spawn))
	n := h.scripted(t, "racing", "sleep 30")

	done := startAsync(h.c, n.ID)
	<-g.entered
	stopped, err := h.c.Stop(context.Background(), n.ID)
	require.NoError(t, err)
	assert.False(t, stopped.Start)
	assert.False(t, stopped.Error)
	close(g.release)

	o := <-done
	require.NoError(t, o.err)
	assert.True(t, o.res.Failed)
	assert.False(t, o.res.Node.Start)
	g.waitExit(t)
	assert.Equal(t, 0, h.c.Registry().Len())

	rec := h.record(t, n.ID)
	assert.False(t, rec.Start, "stop is not overwritten by the start")
	assert.Nil(t, rec.Started)

	// the node can be started again once the cancelled start settled
	h.c.spawn = process.Start
	res, err := h.c.Start(context.Background(), n.ID)
	require.NoError(t, err)
	assert.False(t, res.Failed)
}

func TestShutdownWhileSpawning(t *testing.T) {
	g := newGatedSpawn()
	h := newHarness(t, WithSpawner(g.spawn))
	n := h.scripted(t, "late", "sleep 30")

	done := startAsync(h.c, n.ID)
	<-g.entered
	shut := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shut <- h.c.Shutdown(ctx)
	}()
	require.Eventually(t, h.c.closing.Load, 5*time.Second, 10*time.Millisecond)
	close(g.release)

	require.NoError(t, <-shut)
	g.waitExit(t)
	o := <-done
	require.NoError(t, o.err)
	assert.True(t, o.res.Failed)
	assert.Equal(t, 0, h.c.Registry().Len())
}
