package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/deskbridge/internal/utils"
)

type Config struct {
	Addr  string
	Token string
	// RateLimit in limiter format, e.g. "50-S". Empty disables it.
	RateLimit string
}

type Server struct {
	cfg    Config
	server *http.Server
}

func New(cfg Config, deps Deps) (*Server, error) {
	if _, err := AddrToURL(cfg.Addr); err != nil {
		return nil, err
	}
	routes, err := SetupRoutes(cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           routes,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
	}, nil
}

func SetupRoutes(cfg Config, deps Deps) (http.Handler, error) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Logger())
	r.Use(SecureHeaders())
	r.Use(CORS())
	r.Use(Gzip())
	if cfg.RateLimit != "" {
		rl, err := RateLimiter(cfg.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("control plane rate limit %q: %w", cfg.RateLimit, err)
		}
		r.Use(rl)
	}

	h := &handlers{deps: deps}

	r.GET("/", h.index)
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	v1 := r.Group("/v1")
	v1.Use(TokenAuth(cfg.Token))
	{
		v1.GET("/status", h.status)
		v1.POST("/sync", h.sync)
		v1.GET("/conflicts", h.conflicts)
		v1.POST("/conflicts/resolve", h.resolve)
		v1.POST("/messages", h.message)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: ErrCodeNotFound, Error: "not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, ErrorResponse{Code: ErrCodeBadRequest, Error: "method not allowed"})
	})

	return r.Handler(), nil
}

// Start serves until Stop or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	url, _ := AddrToURL(ln.Addr().String())
	slog.Info("control plane start", "addr", url, "token", utils.MaskToken(s.cfg.Token))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(shutdownCtx)
	}()

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control plane serve: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}

// AddrToURL turns a host:port listen address into an http base URL.
func AddrToURL(addr string) (string, error) {
	if addr == "" {
		return "", errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if port == "" {
		return "", fmt.Errorf("invalid address %q: missing port", addr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
