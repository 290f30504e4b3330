// Package node is the lifecycle controller: it owns the process registry and
// keeps it reconciled with the durable node records.
package node

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/nodehost/internal/env"
	"github.com/loykin/nodehost/internal/history"
	"github.com/loykin/nodehost/internal/monitor"
	"github.com/loykin/nodehost/internal/process"
	"github.com/loykin/nodehost/internal/registry"
	"github.com/loykin/nodehost/internal/store"
	"github.com/loykin/nodehost/internal/workspace"
)

var (
	ErrAlreadyRunning   = errors.New("node is already running")
	ErrNotRunning       = errors.New("node is not running")
	ErrKillFailed       = errors.New("failed to kill node process")
	ErrWorkspaceMissing = errors.New("node directory does not exist")
	ErrUnknownType      = errors.New("unknown node type")
	ErrInvalid          = errors.New("invalid node")
	ErrShuttingDown     = errors.New("controller is shutting down")
)

// Type selects how a node is launched.
type Type int

const (
	TypeNodeJS Type = 1 // runtime interpreter: `<interpreter> <executable> [command...]`
	TypeNPM    Type = 2 // package manager: `<package-manager> <executable> [command...]`
)

// TypeInfo is one entry of the node type catalog.
type TypeInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Launcher string `json:"launcher"`
}

const (
	DefaultSettleWindow   = time.Second
	DefaultInterpreter    = "node"
	DefaultPackageManager = "npm"
)

// Config controls how nodes are launched.
type Config struct {
	SettleWindow   time.Duration     `mapstructure:"settle_window"`
	OutputLimit    int               `mapstructure:"output_limit"`
	Interpreter    string            `mapstructure:"interpreter"`
	PackageManager string            `mapstructure:"package_manager"`
	Env            map[string]string `mapstructure:"env"`
	LogDir         string            `mapstructure:"log_dir"`
}

func (c Config) withDefaults() Config {
	if c.SettleWindow <= 0 {
		c.SettleWindow = DefaultSettleWindow
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = process.DefaultOutputLimit
	}
	if c.Interpreter == "" {
		c.Interpreter = DefaultInterpreter
	}
	if c.PackageManager == "" {
		c.PackageManager = DefaultPackageManager
	}
	return c
}

// Spawner launches a worker. process.Start is the default.
type Spawner func(process.Spec) (*process.Handle, error)

// Controller starts, stops and deletes nodes.
type Controller struct {
	store store.NodeStore
	ws    *workspace.Workspace
	reg   *registry.Registry
	mon   *monitor.Monitor
	hist  *history.Recorder
	env   *env.Env
	cfg   Config
	log   *slog.Logger
	spawn Spawner

	locks   keyedMutex
	startMu sync.Mutex
	pumps   sync.WaitGroup
	closing atomic.Bool
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.log = l } }

func WithMonitor(m *monitor.Monitor) Option { return func(c *Controller) { c.mon = m } }

func WithHistory(r *history.Recorder) Option { return func(c *Controller) { c.hist = r } }

func WithSpawner(s Spawner) Option { return func(c *Controller) { c.spawn = s } }

func WithRegistry(r *registry.Registry) Option { return func(c *Controller) { c.reg = r } }

func New(st store.NodeStore, ws *workspace.Workspace, cfg Config, opts ...Option) *Controller {
	cfg = cfg.withDefaults()
	e := env.New()
	for k, v := range cfg.Env {
		e.WithSet(k, v)
	}
	c := &Controller{
		store: st,
		ws:    ws,
		reg:   registry.New(),
		env:   e,
		cfg:   cfg,
		log:   slog.Default(),
		spawn: process.Start,
		locks: keyedMutex{m: make(map[string]*keyLock)},
	}
	for _, o := range opts {
		o(c)
	}
	if c.mon == nil {
		c.mon = monitor.New(nil, 0)
	}
	return c
}

// Registry exposes the live process table, e.g. for the archive guard.
func (c *Controller) Registry() *registry.Registry { return c.reg }

func (c *Controller) Config() Config { return c.cfg }

// Types returns the fixed node type catalog.
func (c *Controller) Types() []TypeInfo {
	return []TypeInfo{
		{ID: strconv.Itoa(int(TypeNodeJS)), Name: "NodeJS", Launcher: c.cfg.Interpreter},
		{ID: strconv.Itoa(int(TypeNPM)), Name: "NPM", Launcher: c.cfg.PackageManager},
	}
}

func (c *Controller) launcher(t Type) (string, error) {
	switch t {
	case TypeNodeJS:
		return c.cfg.Interpreter, nil
	case TypeNPM:
		return c.cfg.PackageManager, nil
	}
	return "", fmt.Errorf("%w: %d", ErrUnknownType, int(t))
}

// keyedMutex serializes record updates per node id.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(id string) func() {
	k.mu.Lock()
	l, ok := k.m[id]
	if !ok {
		l = &keyLock{}
		k.m[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, id)
		}
		k.mu.Unlock()
	}
}

func (c *Controller) emit(t history.EventType, n *store.Node, pid int, code *int) {
	if n == nil {
		return
	}
	c.hist.Emit(history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			NodeID:   n.ID,
			Name:     n.Name,
			NodeType: n.Type,
			PID:      pid,
			ExitCode: code,
			Error:    n.Error,
		},
	})
}
