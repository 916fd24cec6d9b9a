package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"intervalpool/internal/config"
	"intervalpool/internal/interval"
	logx "intervalpool/pkg/logx"
)

// httpServer serves /metrics (Prometheus), /timers (registry snapshot),
// /healthz and, when enabled, /debug/pprof.
// Apply starts, stops or moves it to follow the config.
type httpServer struct {
	mu   sync.Mutex
	log  logx.Logger
	reg  *interval.Registry
	prom prometheus.Gatherer
	srv  *http.Server
	ln   net.Listener
	addr string
	want config.MetricsConfig // config of the running server
}

type timerView struct {
	ID           string    `json:"id"`
	Every        string    `json:"every"`
	RunningEvery string    `json:"running_every,omitempty"`
	Running      bool      `json:"running"`
	Ticks        uint64    `json:"ticks"`
	AddedAt      time.Time `json:"added_at"`
	LastTick     time.Time `json:"last_tick,omitempty"`
}

func newTimerView(e interval.Entry) timerView {
	v := timerView{
		ID:       e.ID,
		Every:    e.Every.String(),
		Running:  e.Running,
		Ticks:    e.Ticks,
		AddedAt:  e.AddedAt,
		LastTick: e.LastTick,
	}
	if e.Running {
		v.RunningEvery = e.RunningEvery.String()
	}
	return v
}

func init() { gin.SetMode(gin.ReleaseMode) }

func newHTTPServer(log logx.Logger, reg *interval.Registry, prom prometheus.Gatherer) *httpServer {
	return &httpServer{log: log, reg: reg, prom: prom}
}

func (h *httpServer) Apply(ctx context.Context, cfg config.MetricsConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !cfg.Enabled {
		h.stopLocked(ctx)
		return
	}
	if h.srv != nil && h.want.Addr() == cfg.Addr() && h.want.Pprof == cfg.Pprof {
		return
	}
	h.stopLocked(ctx)
	h.startLocked(cfg)
}

func (h *httpServer) handler(withPprof bool) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok\n")
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.prom, promhttp.HandlerOpts{})))
	r.GET("/timers", func(c *gin.Context) {
		snap := h.reg.Snapshot()
		out := make([]timerView, 0, len(snap))
		for _, e := range snap {
			out = append(out, newTimerView(e))
		}
		c.JSON(http.StatusOK, out)
	})
	r.GET("/timers/:id", func(c *gin.Context) {
		e, err := h.reg.Lookup(c.Param("id"))
		if interval.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, newTimerView(e))
	})
	if withPprof {
		g := r.Group("/debug/pprof")
		g.GET("/", gin.WrapF(hpprof.Index))
		g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		g.GET("/profile", gin.WrapF(hpprof.Profile))
		g.GET("/symbol", gin.WrapF(hpprof.Symbol))
		g.POST("/symbol", gin.WrapF(hpprof.Symbol))
		g.GET("/trace", gin.WrapF(hpprof.Trace))
		// heap, goroutine, allocs, block, mutex, threadcreate
		g.GET("/:profile", func(c *gin.Context) {
			hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}

func (h *httpServer) startLocked(cfg config.MetricsConfig) {
	addr := cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		h.log.Warn("metrics listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}
	srv := &http.Server{
		Handler:           h.handler(cfg.Pprof),
		ReadHeaderTimeout: 5 * time.Second,
	}
	h.srv = srv
	h.ln = ln
	h.addr = ln.Addr().String()
	h.want = cfg

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Warn("metrics server error", logx.String("addr", ln.Addr().String()), logx.Err(err))
		}
	}()
	h.log.Info("metrics enabled", logx.String("addr", h.addr), logx.Bool("pprof", cfg.Pprof))
}

func (h *httpServer) Stop(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked(ctx)
}

func (h *httpServer) stopLocked(ctx context.Context) {
	if h.srv == nil {
		return
	}
	srv, addr := h.srv, h.addr
	h.srv, h.ln, h.addr, h.want = nil, nil, "", config.MetricsConfig{}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		h.log.Warn("metrics shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	h.log.Info("metrics disabled", logx.String("addr", addr))
}

// Addr is the bound listen address, or "" when stopped.
func (h *httpServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}
