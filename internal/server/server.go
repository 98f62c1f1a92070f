// Package server exposes the relay over HTTP: the browser websocket, health
// and metrics endpoints, navigation requests and the static frontend.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/log"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/relay"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/robot"
)

// Navigator is implemented by robot backends that accept navigation goals.
type Navigator interface {
	Navigate(goal robot.NavGoal) error
}

// Opts holds the dependencies of a Server.
type Opts struct {
	Registry *relay.Registry
	Router   *relay.Router
	Robot    relay.Robot // used for navigation; may be nil

	StaticDir string

	// CommandsPerSecond limits browser commands per connection. Zero
	// disables limiting.
	CommandsPerSecond float64
	Burst             int
}

// Server serves browser clients.
type Server struct {
	registry  *relay.Registry
	router    *relay.Router
	robot     relay.Robot
	staticDir string

	commandsPerSecond float64
	burst             int

	log zerolog.Logger
}

// New creates a Server.
func New(opts Opts) (*Server, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("server: registry is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("server: router is required")
	}
	return &Server{
		registry:          opts.Registry,
		router:            opts.Router,
		robot:             opts.Robot,
		staticDir:         opts.StaticDir,
		commandsPerSecond: opts.CommandsPerSecond,
		burst:             opts.Burst,
		log:               log.WithComponent("server"),
	}, nil
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	return router
}

// StartOpts holds listener configuration.
type StartOpts struct {
	Port int
	Out  io.Writer
}

// Start serves on the configured port. It blocks until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Relay listening on http://localhost:%d\n", opts.Port)
	}
	s.log.Info().Int("port", opts.Port).Msg("server starting")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/ws", s.handleWS)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/api/navigate", s.handleNavigate)
	r.NoRoute(s.handleStatic)
}

type healthResponse struct {
	Status            string `json:"status"`
	Connected         bool   `json:"connected"`
	PlatformConnected bool   `json:"platform_connected"`
	ActiveConnections int    `json:"active_connections"`
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.registry.Health()
	c.JSON(http.StatusOK, healthResponse{
		Status:            "ok",
		Connected:         h.UpstreamConnected,
		PlatformConnected: h.PlatformConnected,
		ActiveConnections: h.ActiveConnections,
	})
}

type navigateRequest struct {
	X        *float64 `json:"x" binding:"required"`
	Y        *float64 `json:"y" binding:"required"`
	Yaw      float64  `json:"yaw"`
	Relative bool     `json:"relative"`
}

func (s *Server) handleNavigate(c *gin.Context) {
	nav, ok := s.robot.(Navigator)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "navigation not supported by this backend"})
		return
	}
	var req navigateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.robot.IsConnected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": robot.ErrNotConnected.Error()})
		return
	}
	goal := robot.NavGoal{X: *req.X, Y: *req.Y, Yaw: req.Yaw, Relative: req.Relative}
	if err := nav.Navigate(goal); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, robot.ErrNotConnected) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Float64("x", goal.X).Float64("y", goal.Y).Float64("yaw", goal.Yaw).Bool("relative", goal.Relative).Msg("navigation goal sent")
	c.JSON(http.StatusAccepted, gin.H{"status": "sent", "goal": goal})
}

// handleStatic serves files from the static directory, falling back to
// index.html for unknown paths.
func (s *Server) handleStatic(c *gin.Context) {
	if s.staticDir == "" || (c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	name := filepath.Join(s.staticDir, filepath.FromSlash(path.Clean("/"+c.Request.URL.Path)))
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		c.File(name)
		return
	}
	index := filepath.Join(s.staticDir, "index.html")
	if _, err := os.Stat(index); err == nil {
		c.File(index)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}
