package nodehost

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/nodehost/internal/archive"
	"github.com/loykin/nodehost/internal/auth"
	cfg "github.com/loykin/nodehost/internal/config"
	"github.com/loykin/nodehost/internal/history"
	hfactory "github.com/loykin/nodehost/internal/history/factory"
	"github.com/loykin/nodehost/internal/logger"
	"github.com/loykin/nodehost/internal/metrics"
	"github.com/loykin/nodehost/internal/monitor"
	"github.com/loykin/nodehost/internal/node"
	"github.com/loykin/nodehost/internal/server"
	"github.com/loykin/nodehost/internal/store"
	sfactory "github.com/loykin/nodehost/internal/store/factory"
	"github.com/loykin/nodehost/internal/sysinfo"
	itls "github.com/loykin/nodehost/internal/tls"
	"github.com/loykin/nodehost/internal/workspace"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export configuration types for embedders.

type Config = cfg.Config

type ServerConfig = cfg.ServerConfig

type NodeConfig = cfg.NodeConfig

// LoadConfig reads a TOML, YAML or JSON config file. An empty path yields
// the defaults, overridable through NODEHOST_* environment variables.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// DefaultShutdownTimeout bounds the graceful HTTP drain in Serve.
const DefaultShutdownTimeout = 10 * time.Second

// App is a fully wired controller: store, workspace, process supervision,
// archives, authentication and the HTTP API.
type App struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer
	store     store.Store
	recorder  *history.Recorder
	nodes     *node.Controller
	router    *server.Router
	tlsConf   *tls.Config
}

// Option customizes New.
type Option func(*options)

type options struct {
	log      *slog.Logger
	registry prometheus.Registerer
}

// WithLogger replaces the logger built from the log section of the config.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithRegisterer registers the metrics with r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registry = r } }

// New opens the store and builds every component described by c. Nothing
// is started; call Recover to restart nodes that were running, then Serve or
// mount Handler on an existing server.
func New(ctx context.Context, c *Config, opts ...Option) (app *App, err error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	o := options{registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: c, log: o.log, logCloser: nopCloser{}}
	if a.log == nil {
		a.log, a.logCloser = logger.New(c.Log)
	}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	// the workspace creates data_dir, which holds the default sqlite file
	ws := workspace.NewOS(c.DataDir)
	if err = ws.Init(); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	a.store, err = sfactory.NewFromDSN(c.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err = a.store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("store schema: %w", err)
	}

	sinks, err := hfactory.NewSinks(c.History.DSNs)
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	a.recorder = history.NewRecorder(a.log, sinks...)

	var metricsHandler http.Handler
	if c.Metrics.Enabled {
		if err = metrics.Register(o.registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if g, ok := o.registry.(prometheus.Gatherer); ok {
			metricsHandler = metrics.HandlerFor(g)
		} else {
			metricsHandler = metrics.Handler()
		}
	}

	a.nodes = node.New(a.store, ws, c.Node.Controller(),
		node.WithLogger(a.log),
		node.WithMonitor(monitor.New(nil, c.Monitor.Concurrency)),
		node.WithHistory(a.recorder),
	)

	archiveOpts := []archive.Option{archive.WithLogger(a.log)}
	if c.Archive.Mirror.Enabled() {
		m, merr := archive.NewMinIOMirror(ctx, c.Archive.Mirror)
		if merr != nil {
			return nil, fmt.Errorf("archive mirror: %w", merr)
		}
		archiveOpts = append(archiveOpts, archive.WithMirror(m))
	}
	archives := archive.New(ws, a.store, a.nodes.Registry(), archiveOpts...)

	authSvc, err := auth.NewService(a.store, c.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	a.router = server.NewRouter(server.Deps{
		Nodes:   a.nodes,
		Archive: archives,
		Auth:    authSvc,
		System:  sysinfo.New(c.DataDir),
		Metrics: metricsHandler,
		Logger:  a.log,
	}, c.Server.BasePath)

	a.tlsConf, err = itls.SetupTLS(c.Server)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	return a, nil
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.log }

// Handler returns the API as a standalone handler mounted under the
// configured base path.
func (a *App) Handler() http.Handler { return a.router.Handler() }

// Register mounts the API routes on an existing gin group.
func (a *App) Register(g *gin.RouterGroup) { a.router.Register(g) }

// Recover restarts every node whose desired state is running.
func (a *App) Recover(ctx context.Context) (int, error) { return a.nodes.Recover(ctx) }

// Serve listens on the configured address until ctx is cancelled, then
// drains HTTP connections and stops every node.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Listen, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener is Serve on an already bound listener. The app is closed
// when it returns, also when serving fails.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := server.NewServer(ln.Addr().String(), a.Handler(), a.tlsConf)
	errCh := make(chan error, 1)
	go func() {
		var err error
		if a.tlsConf != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	a.log.Info("api listening", "addr", ln.Addr().String(), "tls", a.tlsConf != nil, "base_path", a.cfg.Server.BasePath)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return errors.Join(fmt.Errorf("serve: %w", err), a.Close(closeCtx))
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown", "error", err)
	}
	return a.Close(shutdownCtx)
}

// Close stops every running node and releases the store, history sinks and
// log file.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.nodes != nil {
		if err := a.nodes.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop nodes: %w", err))
		}
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	if a.recorder != nil {
		errs = append(errs, a.recorder.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
