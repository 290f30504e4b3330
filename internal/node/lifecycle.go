package node

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/nodehost/internal/history"
	"github.com/loykin/nodehost/internal/logger"
	"github.com/loykin/nodehost/internal/metrics"
	"github.com/loykin/nodehost/internal/process"
	"github.com/loykin/nodehost/internal/store"
	"github.com/loykin/nodehost/internal/workspace"
)

// lifecycle states used for transition metrics
const (
	stateStopped  = "stopped"
	stateStarting = "starting"
	stateRunning  = "running"
)

// DefaultRecoverConcurrency bounds parallel starts during recovery.
const DefaultRecoverConcurrency = 4

// settle is closed by the event pump on the first observed failure.
type settle struct {
	failed chan struct{}
	once   sync.Once
}

func newSettle() *settle {
	return &settle{failed: make(chan struct{})}
}

func (s *settle) fail() { s.once.Do(func() { close(s.failed) }) }

func (s *settle) hasFailed() bool {
	select {
	case <-s.failed:
		return true
	default:
		return false
	}
}

// StartResult tells whether the worker survived the settle window.
type StartResult struct {
	Node   *store.Node
	Failed bool
}

// Start launches the worker of node id and waits until either a failure is
// observed (stderr output, exit, spawn error) or the settle window elapses.
// The outcome is committed even when ctx is cancelled first.
func (c *Controller) Start(ctx context.Context, id string) (*StartResult, error) {
	if !c.enter() {
		return nil, ErrShuttingDown
	}
	// the pump inherits the slot taken by enter
	handed := false
	defer func() {
		if !handed {
			c.pumps.Done()
		}
	}()

	n, err := c.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	launcher, err := c.launcher(Type(n.Type))
	if err != nil {
		return nil, err
	}
	dir, err := c.ws.Dir(id)
	if err != nil {
		return nil, err
	}
	if err := c.reg.Reserve(id); err != nil {
		return nil, ErrAlreadyRunning
	}

	spec := process.Spec{
		Name:        id,
		Launcher:    launcher,
		Executable:  n.Executable,
		Args:        process.SplitArgs(n.Command),
		WorkDir:     dir,
		Env:         c.env.Merge(n.Env),
		OutputLimit: c.cfg.OutputLimit,
		Log:         logger.Config{Dir: c.cfg.LogDir},
	}
	metrics.RecordStateTransition(id, stateStopped, stateStarting)
	began := time.Now()
	commitCtx := context.WithoutCancel(ctx)

	h, err := c.spawn(spec)
	if err != nil {
		if c.reg.Release(id) {
			c.log.Info("node stopped while spawning", "node", id, "error", err)
			return c.cancelledStart(commitCtx, id)
		}
		c.log.Warn("node spawn failed", "node", id, "launcher", launcher, "error", err)
		res, cerr := c.commitStart(commitCtx, id, nil, err.Error(), func() bool { return true }, began)
		if cerr != nil {
			return nil, cerr
		}
		return res, nil
	}

	st := newSettle()
	handed = true
	if !c.reg.Commit(id, h) {
		// Stop or Delete ran while spawning
		if err := h.Terminate(); err != nil {
			c.log.Warn("terminate cancelled start failed", "node", id, "pid", h.PID(), "error", err)
		}
		go c.pump(id, h, st)
		c.log.Info("node stopped while spawning", "node", id, "pid", h.PID())
		return c.cancelledStart(commitCtx, id)
	}
	go c.pump(id, h, st)
	// Shutdown may have taken its handle snapshot before Commit
	if c.closing.Load() {
		_ = h.Terminate()
	}
	metrics.SetRunning(c.reg.Len())
	c.log.Info("node process started", "node", id, "pid", h.PID())

	type outcome struct {
		res *StartResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		timer := time.NewTimer(c.cfg.SettleWindow)
		defer timer.Stop()
		select {
		case <-st.failed:
		case <-timer.C:
		}
		res, err := c.commitStart(commitCtx, id, h, "", st.hasFailed, began)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cancelledStart reports a start whose run-state was already settled by a
// Stop or Delete that arrived while the worker was spawning.
func (c *Controller) cancelledStart(ctx context.Context, id string) (*StartResult, error) {
	metrics.RecordStateTransition(id, stateStarting, stateStopped)
	n, err := c.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StartResult{Node: n, Failed: true}, nil
}

// commitStart persists the outcome of a start. failed is evaluated under the
// node lock so a failure racing the timer is never overwritten.
func (c *Controller) commitStart(ctx context.Context, id string, h *process.Handle, spawnErr string, failed func() bool, began time.Time) (*StartResult, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	isFailed := failed()
	var output string
	if h != nil {
		output = h.Output()
	} else {
		output = spawnErr
	}
	metrics.ObserveSettle(id, time.Since(began).Seconds())

	if h != nil && h.StopRequested() {
		// stopped or deleted while settling; that call owns the run-state
		n, err := c.store.UpdateNode(ctx, id, store.Patch{Output: text(output)})
		if err != nil {
			return nil, err
		}
		return &StartResult{Node: n, Failed: true}, nil
	}

	now := time.Now()
	p := store.Patch{Start: store.Set(true), Output: text(output)}
	if isFailed {
		p.Started = store.ClearTime()
		p.Stopped = store.SetTime(now)
		p.Error = store.Set(true)
	} else {
		p.Started = store.SetTime(now)
		p.Stopped = store.ClearTime()
		p.Error = store.Set(false)
	}
	n, err := c.store.UpdateNode(ctx, id, p)
	if err != nil {
		if h != nil && errors.Is(err, store.ErrNotFound) {
			// the record is gone; nothing can reach this worker anymore
			_ = h.Terminate()
			c.reg.RemoveIf(id, h)
			metrics.SetRunning(c.reg.Len())
		}
		return nil, err
	}

	pid := 0
	if h != nil {
		pid = h.PID()
	}
	if isFailed {
		metrics.IncStartFailure(id)
		metrics.RecordStateTransition(id, stateStarting, stateStopped)
		c.log.Warn("node failed to start", "node", id, "pid", pid)
		c.emit(history.EventStartFailed, n, pid, nil)
	} else {
		metrics.IncStart(id)
		metrics.RecordStateTransition(id, stateStarting, stateRunning)
		c.log.Info("node running", "node", id, "pid", pid)
		c.emit(history.EventStarted, n, pid, nil)
	}
	return &StartResult{Node: n, Failed: isFailed}, nil
}

// pump is the single consumer of a handle's events and the only writer of
// its output into the record while it runs.
func (c *Controller) pump(id string, h *process.Handle, st *settle) {
	defer c.pumps.Done()
	ctx := context.Background()
	for ev := range h.Events() {
		switch ev.Kind {
		case process.Stdout:
			c.persist(ctx, id, store.Patch{Output: text(h.Output())})
		case process.Stderr:
			st.fail()
			c.persist(ctx, id, store.Patch{Output: text(h.Output()), Error: store.Set(true)})
		case process.Exited:
			h.AppendOutput(fmt.Sprintf("\nProcess closed with code %d\n", ev.Code))
			st.fail()
			c.reg.RemoveIf(id, h)
			metrics.IncExit(id)
			metrics.SetRunning(c.reg.Len())
			c.exited(ctx, id, h, ev.Code)
		}
	}
}

func (c *Controller) exited(ctx context.Context, id string, h *process.Handle, code int) {
	if h.StopRequested() {
		c.persist(ctx, id, store.Patch{Output: text(h.Output())})
		c.log.Info("node process exited after stop", "node", id, "pid", h.PID(), "code", code)
		return
	}
	n := c.persist(ctx, id, store.Patch{
		Started: store.ClearTime(),
		Stopped: store.SetTime(time.Now()),
		Error:   store.Set(true),
		Output:  text(h.Output()),
	})
	metrics.RecordStateTransition(id, stateRunning, stateStopped)
	c.log.Warn("node process exited", "node", id, "pid", h.PID(), "code", code)
	c.emit(history.EventExited, n, h.PID(), &code)
}

func (c *Controller) persist(ctx context.Context, id string, p store.Patch) *store.Node {
	unlock := c.locks.Lock(id)
	defer unlock()
	n, err := c.store.UpdateNode(ctx, id, p)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.log.Debug("dropping update for deleted node", "node", id)
		} else {
			c.log.Error("persist node state failed", "node", id, "error", err)
		}
		return nil
	}
	return n
}

// Stop sends SIGTERM to the worker's process group without waiting for it to
// exit. Without a live process the record is still marked stopped, with the
// error flag set, and ErrNotRunning is returned alongside it.
func (c *Controller) Stop(ctx context.Context, id string) (*store.Node, error) {
	unlock := c.locks.Lock(id)
	defer unlock()
	if _, err := c.store.GetNode(ctx, id); err != nil {
		return nil, err
	}

	var (
		failed bool
		result error
		pid    int
	)
	if h, ok := c.reg.Remove(id); ok {
		pid = h.PID()
		if err := h.Terminate(); err != nil {
			failed = true
			c.log.Warn("stop signal failed", "node", id, "pid", pid, "error", err)
		}
		metrics.SetRunning(c.reg.Len())
		metrics.RecordStateTransition(id, stateRunning, stateStopped)
	} else if c.reg.Cancel(id) {
		// Start terminates the worker once its spawn returns
		c.log.Info("cancelling start in flight", "node", id)
	} else {
		failed = true
		result = ErrNotRunning
	}
	metrics.IncStop(id)

	n, err := c.store.UpdateNode(ctx, id, store.Patch{
		Start:   store.Set(false),
		Started: store.ClearTime(),
		Stopped: store.SetTime(time.Now()),
		Error:   store.Set(failed),
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("node stopped", "node", id, "pid", pid, "was_running", result == nil)
	c.emit(history.EventStopped, n, pid, nil)
	return n, result
}

// Delete terminates the worker if any, deletes the record and removes the
// workspace. A failed kill does not stop the deletion; it is reported
// together with any later failure.
func (c *Controller) Delete(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()
	n, err := c.store.GetNode(ctx, id)
	if err != nil {
		return err
	}

	var errs []error
	pid := 0
	if h, ok := c.reg.Remove(id); ok {
		pid = h.PID()
		if err := h.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrKillFailed, err))
		}
		metrics.SetRunning(c.reg.Len())
	} else {
		c.reg.Cancel(id)
	}
	if err := c.store.DeleteNode(ctx, id); err != nil {
		return errors.Join(append(errs, err)...)
	}
	if err := c.ws.Remove(id); err != nil {
		if errors.Is(err, workspace.ErrMissing) {
			errs = append(errs, ErrWorkspaceMissing)
		} else {
			errs = append(errs, fmt.Errorf("remove node directory: %w", err))
		}
	}
	metrics.Forget(id)
	c.log.Info("node deleted", "node", id, "name", n.Name)
	c.emit(history.EventDeleted, n, pid, nil)
	return errors.Join(errs...)
}

// Recover starts every node whose desired state is running. Processes left
// over by a previous controller instance are not reattached.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	nodes, err := c.store.DesiredRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("list nodes to recover: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultRecoverConcurrency)
	results := make([]bool, len(nodes))
	for i, n := range nodes {
		g.Go(func() error {
			res, err := c.Start(gctx, n.ID)
			switch {
			case err != nil:
				c.log.Error("recover node failed", "node", n.ID, "name", n.Name, "error", err)
			case res.Failed:
				c.log.Warn("recovered node failed to settle", "node", n.ID, "name", n.Name)
			default:
				results[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()
	started := 0
	for _, ok := range results {
		if ok {
			started++
		}
	}
	c.log.Info("recovery finished", "desired", len(nodes), "started", started)
	return started, nil
}

// Tail subscribes to live output of a running node. The returned snapshot is
// the output captured before the subscription.
func (c *Controller) Tail(id string) (string, <-chan []byte, func(), error) {
	h, ok := c.reg.Get(id)
	if !ok {
		return "", nil, nil, ErrNotRunning
	}
	ch, cancel := h.Subscribe(64)
	return h.Output(), ch, cancel, nil
}

// Shutdown stops accepting starts and signals every worker. The desired
// run-state is kept so that Recover restarts the nodes. It waits for the
// workers to exit until ctx ends.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.startMu.Lock()
	c.closing.Store(true)
	c.startMu.Unlock()
	for id, h := range c.reg.Handles() {
		if err := h.Terminate(); err != nil {
			c.log.Warn("terminate on shutdown failed", "node", id, "pid", h.PID(), "error", err)
		}
	}
	done := make(chan struct{})
	go func() {
		c.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enter admits a start unless Shutdown began. An admitted start holds a
// pumps slot, so Shutdown also waits for starts still spawning.
func (c *Controller) enter() bool {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.closing.Load() {
		return false
	}
	c.pumps.Add(1)
	return true
}

func text(s string) *sql.NullString {
	if s == "" {
		return store.ClearText()
	}
	return store.SetText(s)
}
