// Package server exposes the node controller over HTTP.
package server

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/nodehost/internal/archive"
	"github.com/loykin/nodehost/internal/auth"
	"github.com/loykin/nodehost/internal/node"
	"github.com/loykin/nodehost/internal/sysinfo"
)

// Deps are the services behind the API. Metrics may be nil to leave
// /metrics unmounted.
type Deps struct {
	Nodes   *node.Controller
	Archive *archive.Service
	Auth    *auth.Service
	System  *sysinfo.Collector
	Metrics http.Handler
	Logger  *slog.Logger
}

// Router provides embeddable HTTP handlers for managing nodes.
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	deps     Deps
	basePath string
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/nodes, /api/node, ...
func NewRouter(deps Deps, basePath string) *Router {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		deps:     deps,
		basePath: sanitizeBase(basePath),
		log:      log.With("component", "http"),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register mounts all routes on group.
func (r *Router) Register(group *gin.RouterGroup) {
	group.GET("/healthz", r.handleHealth)
	if r.deps.Metrics != nil {
		group.GET("/metrics", gin.WrapH(r.deps.Metrics))
	}
	group.POST("/login", r.handleLogin)

	gated := group.Group("", r.deps.Auth.GinAuth())
	gated.GET("/system", r.handleSystem)
	gated.GET("/nodes", r.handleListNodes)
	gated.GET("/node", r.handleGetNode)
	gated.GET("/node/types", r.handleNodeTypes)
	gated.POST("/node", r.handleCreateNode)
	gated.PUT("/node", r.handleUpdateNode)
	gated.DELETE("/node", r.handleDeleteNode)
	gated.PUT("/node/start", r.handleStartNode)
	gated.PUT("/node/stop", r.handleStopNode)
	gated.GET("/node/output/ws", r.handleOutput)
	gated.POST("/fileupload", r.handleUpload)
	gated.GET("/download", r.handleDownload)

	gated.GET("/logout", r.handleLogout)
	gated.POST("/user", r.handleCreateUser)
	gated.GET("/me", r.handleMe)
	gated.GET("/token/renew", r.handleRenew)
}

// NewServer builds an http.Server for handler. tlsCfg may be nil.
// WriteTimeout stays unset since downloads and output streams are long-lived.
func NewServer(addr string, handler http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}

func (r *Router) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleSystem(c *gin.Context) {
	info, err := r.deps.System.Collect(c.Request.Context())
	if err != nil {
		r.fail(c, http.StatusInternalServerError, "Error getting storage info", err)
		return
	}
	respondData(c, http.StatusOK, info)
}
