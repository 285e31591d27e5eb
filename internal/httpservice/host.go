package httpservice

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/docmesh/internal/auth"
	"github.com/danmuck/docmesh/internal/node"
	"github.com/danmuck/docmesh/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Version is reported by /health and /info.
const Version = "0.1.0"

const shutdownGrace = 5 * time.Second

// Options configures one service host.
type Options struct {
	Kind         string
	CorsOrigins  []string
	APIKey       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ReadinessCheck reports whether one dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Host owns the gin engine and built-in routes shared by every docmesh service.
type Host struct {
	ID      string    `json:"id"`
	Addr    string    `json:"addr"`
	Started time.Time `json:"started"`

	kind      string
	opts      Options
	router    *gin.Engine
	basePath  string
	validator auth.Validator

	ready    atomic.Bool
	checksMu sync.RWMutex
	checks   map[string]ReadinessCheck
}

var _ node.Node = (*Host)(nil)

// Appear constructs a host with its own gin engine and middleware stack.
func Appear(id, addr string, opts Options) *Host {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", auth.HeaderAPIKey, "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	h := newHost(id, r, "", opts)
	h.Addr = addr
	return h
}

// Attach mounts a host onto an existing engine under basePath.
func Attach(id string, router *gin.Engine, basePath string, opts Options) *Host {
	if router == nil {
		router = gin.New()
	}
	return newHost(id, router, basePath, opts)
}

func newHost(id string, router *gin.Engine, basePath string, opts Options) *Host {
	kind := strings.TrimSpace(opts.Kind)
	if kind == "" {
		kind = "service"
	}
	h := &Host{
		ID:        id,
		Started:   time.Now(),
		kind:      kind,
		opts:      opts,
		router:    router,
		basePath:  basePath,
		validator: auth.FromKey(opts.APIKey),
		checks:    make(map[string]ReadinessCheck),
	}
	h.registerBuiltins()
	return h
}

func (h *Host) NodeID() string {
	return h.ID
}

func (h *Host) Kind() string {
	return h.kind
}

func (h *Host) HTTPRouter() *gin.Engine {
	return h.router
}

// Routes returns the open route group.
func (h *Host) Routes() gin.IRoutes {
	if h.basePath == "" {
		return h.router
	}
	return h.router.Group(h.basePath)
}

// Protected returns a route group guarded by the configured API key.
func (h *Host) Protected() gin.IRoutes {
	if h.basePath == "" {
		return h.router.Group("", auth.Middleware(h.validator))
	}
	return h.router.Group(h.basePath, auth.Middleware(h.validator))
}

// MarkReady flips /ready to report readiness once dependencies are wired.
func (h *Host) MarkReady() {
	h.ready.Store(true)
}

// AddReadinessCheck registers a named check consulted by /ready.
func (h *Host) AddReadinessCheck(name string, check ReadinessCheck) {
	if check == nil {
		return
	}
	h.checksMu.Lock()
	defer h.checksMu.Unlock()
	h.checks[name] = check
}

// Readiness evaluates all checks and returns failures keyed by check name.
func (h *Host) Readiness(ctx context.Context) (bool, map[string]string) {
	h.checksMu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]ReadinessCheck, len(names))
	for i, name := range names {
		checks[i] = h.checks[name]
	}
	h.checksMu.RUnlock()

	failures := make(map[string]string)
	for i, check := range checks {
		if err := check(ctx); err != nil {
			failures[names[i]] = err.Error()
		}
	}
	return h.ready.Load() && len(failures) == 0, failures
}

func (h *Host) registerBuiltins() {
	routes := h.Routes()
	routes.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(h.Started).String(),
			"service": h.ID,
			"version": Version,
		})
	})

	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		ready, failures := h.Readiness(ctx)
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		body := gin.H{
			"ready":   ready,
			"uptime":  time.Since(h.Started).String(),
			"service": h.ID,
			"version": Version,
		}
		if len(failures) > 0 {
			body["checks"] = failures
		}
		c.JSON(status, body)
	})

	routes.GET("/info", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"id":      h.ID,
			"kind":    h.kind,
			"addr":    h.Addr,
			"version": Version,
			"started": h.Started.UTC().Format(time.RFC3339),
		})
	})
}

// Serve listens on h.Addr and blocks until ctx is cancelled or the server fails.
func (h *Host) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.Addr)
	if err != nil {
		return err
	}
	return h.ServeListener(ctx, ln)
}

// ServeListener serves on an existing listener and drains on ctx cancellation.
func (h *Host) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       durationOr(h.opts.ReadTimeout, 30*time.Second),
		WriteTimeout:      durationOr(h.opts.WriteTimeout, 60*time.Second),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	h.MarkReady()
	log.Info().
		Str("service", h.ID).
		Str("kind", h.kind).
		Str("addr", ln.Addr().String()).
		Msg("service listening")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	h.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Str("service", h.ID).Err(err).Msg("service shutdown incomplete")
		return err
	}
	log.Info().Str("service", h.ID).Msg("service stopped")
	return nil
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
