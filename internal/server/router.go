package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/scripthost/internal/channel"
	"github.com/loykin/scripthost/internal/metrics"
)

// Router provides embeddable HTTP handlers for hosted jobs.
// Endpoints:
//
//	POST {basePath}/jobs/:owner                 multipart field "file", or raw body with ?name=
//	GET  {basePath}/jobs/:owner                 list the owner's jobs
//	GET  {basePath}/jobs/:owner/:hash           status of one job
//	POST {basePath}/jobs/:owner/:hash/:action   start, stop, restart or delete
//	POST {basePath}/debug/sweep                 run one health sweep now
//	GET  {basePath}/healthz
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	api       *api
	basePath  string
	framework string
}

// Supported values for Config.Framework.
const (
	FrameworkGin  = "gin"
	FrameworkEcho = "echo"
)

// NewRouter constructs a Router. sweeper may be nil.
func NewRouter(core channel.Core, sweeper Sweeper, basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		api:       &api{core: core, sweeper: sweeper, log: log.With("component", "http")},
		basePath:  sanitizeBase(basePath),
		framework: FrameworkGin,
	}
}

// WithFramework selects the HTTP framework; unknown names are rejected by
// Handler.
func (r *Router) WithFramework(name string) *Router {
	if name != "" {
		r.framework = name
	}
	return r
}

// Handler returns the http.Handler for the selected framework.
func (r *Router) Handler() (http.Handler, error) {
	switch r.framework {
	case FrameworkGin:
		return r.GinHandler(), nil
	case FrameworkEcho:
		return r.EchoHandler(), nil
	default:
		return nil, fmt.Errorf("unknown http framework %q", r.framework)
	}
}

// GinHandler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) GinHandler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/jobs/:owner", r.handleSubmit)
	group.GET("/jobs/:owner", r.handleList)
	group.GET("/jobs/:owner/:hash", r.handleQuery)
	group.POST("/jobs/:owner/:hash/:action", r.handleAction)
	group.POST("/debug/sweep", r.handleSweep)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if metrics.Enabled() {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// Config configures a standalone HTTP server.
type Config struct {
	Listen    string
	BasePath  string
	Framework string
}

// NewServer starts a standalone HTTP server using this router. Close or
// Shutdown the returned server to stop it.
func NewServer(cfg Config, core channel.Core, sweeper Sweeper, log *slog.Logger) (*http.Server, error) {
	if log == nil {
		log = slog.Default()
	}
	h, err := NewRouter(core, sweeper, cfg.BasePath, log).WithFramework(cfg.Framework).Handler()
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// start may install dependencies
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", "listen", cfg.Listen, "error", err)
		}
	}()
	log.Info("http server listening", "listen", cfg.Listen, "base_path", sanitizeBase(cfg.BasePath), "framework", cfg.Framework)
	return server, nil
}

// --- Handlers ---

func (r *Router) handleSubmit(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUpload+1<<20)
	var (
		name    string
		payload []byte
		err     error
	)
	if fh, ferr := c.FormFile("file"); ferr == nil {
		name = fh.Filename
		payload, err = readFileHeader(fh)
	} else {
		name = c.Query("name")
		payload, err = readLimited(c.Request.Body)
	}
	code, body := r.api.submit(ctx(c), c.Param("owner"), name, payload, err)
	writeJSON(c, code, body)
}

func (r *Router) handleList(c *gin.Context) {
	code, body := r.api.list(ctx(c), c.Param("owner"))
	writeJSON(c, code, body)
}

func (r *Router) handleQuery(c *gin.Context) {
	code, body := r.api.query(ctx(c), c.Param("owner"), c.Param("hash"))
	writeJSON(c, code, body)
}

func (r *Router) handleAction(c *gin.Context) {
	code, body := r.api.act(ctx(c), c.Param("owner"), c.Param("hash"), c.Param("action"))
	writeJSON(c, code, body)
}

func (r *Router) handleSweep(c *gin.Context) {
	code, body := r.api.sweep(ctx(c))
	writeJSON(c, code, body)
}

// ctx detaches lifecycle operations from client disconnects so a start is
// not abandoned halfway through an install.
func ctx(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}
