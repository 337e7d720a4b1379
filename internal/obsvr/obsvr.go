// Package obsvr exposes a node's liveness and prometheus metrics over
// plain HTTP, separate from the fabric's own wire protocol listeners.
package obsvr

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthResponse is the payload for GET /healthz.
type HealthResponse struct {
	Status       string `json:"status"`
	RoutedUsers  int    `json:"routed_users"`
	PendingCount int    `json:"pending_logins"`
}

// HealthSource is the subset of router.Table a health handler needs.
type HealthSource interface {
	LinkCount() int
	PendingCount() int
}

// Server runs the node's /healthz and /metrics HTTP surface.
type Server struct {
	echo   *echo.Echo
	router HealthSource
}

// New builds a Server and registers its routes. registry is the
// prometheus.Gatherer (normally prometheus.DefaultGatherer) /metrics
// serves from.
func New(router HealthSource, registry prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[obsvr] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &Server{echo: e, router: router}
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	return s
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:       "ok",
		RoutedUsers:  s.router.LinkCount(),
		PendingCount: s.router.PendingCount(),
	})
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[obsvr] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[obsvr] shutdown: %v", err)
	}
}
