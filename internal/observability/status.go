package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// LinkStatus is one link's counters and learned sources as reported over
// HTTP.
type LinkStatus struct {
	Name      string `json:"name"`
	Direction string `json:"direction"`
	Sources   []int  `json:"sources"`
	Received  uint64 `json:"received"`
	Sent      uint64 `json:"sent"`
	Errored   uint64 `json:"errored"`
	Dropped   uint64 `json:"dropped"`
	Filtered  uint64 `json:"filtered"`
}

type RouterStatus struct {
	Identity      uint8        `json:"identity"`
	Running       bool         `json:"running"`
	Terminating   bool         `json:"terminating"`
	StartupState  uint8        `json:"startup_state"`
	UpstreamDrops uint64       `json:"upstream_drops"`
	Links         []LinkStatus `json:"links"`
}

// StatusSource is polled from HTTP handler goroutines.
type StatusSource interface {
	Status() RouterStatus
}

// StatusServer serves read-only health, link and metrics endpoints.
type StatusServer struct {
	addr    string
	src     StatusSource
	engine  *gin.Engine
	started time.Time
	srv     *http.Server
}

func NewStatusServer(addr string, src StatusSource, corsOrigins []string) *StatusServer {
	RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Instrument(Component("status")))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &StatusServer{addr: addr, src: src, engine: r, started: time.Now()}
	s.registerRoutes()
	return s
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func (s *StatusServer) Handler() http.Handler { return s.engine }

func (s *StatusServer) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"version": Version,
		})
	})

	s.engine.GET("/ready", func(c *gin.Context) {
		st := s.src.Status()
		code := http.StatusOK
		if !st.Running || st.Terminating {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":       code == http.StatusOK,
			"running":     st.Running,
			"terminating": st.Terminating,
			"uptime":      time.Since(s.started).String(),
		})
	})

	s.engine.GET("/links", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.src.Status())
	})

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start binds the listener synchronously and serves in the background.
func (s *StatusServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	log.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("status server stopped")
		}
	}()
	return nil
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
