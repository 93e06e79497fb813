// Package status serves a small HTTP surface for health checks and
// inspecting live sessions.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rickgao/tvstream/internal/connection"
	"github.com/rickgao/tvstream/internal/dispatch"
	"github.com/rickgao/tvstream/internal/engine"
	"github.com/rickgao/tvstream/internal/session"
	"github.com/rickgao/tvstream/internal/version"
)

// Source is the engine view the server reports on.
type Source interface {
	State() connection.State
	Sessions() []session.Info
	Stats() engine.Stats
}

// Server is the status HTTP server.
type Server struct {
	addr   string
	src    Source
	router *gin.Engine
	logger *slog.Logger
}

// New creates a status server listening on port.
func New(port int, src Source, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:   fmt.Sprintf(":%d", port),
		src:    src,
		router: router,
		logger: logger.With("component", "status"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/debug/sessions", s.handleSessions)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// healthResponse is the /health body.
type healthResponse struct {
	State    string                  `json:"state"`
	Version  string                  `json:"version"`
	Sessions session.Stats           `json:"sessions"`
	Conn     connection.ManagerStats `json:"connection"`
	Dispatch dispatch.Stats          `json:"dispatch"`
}

func (s *Server) handleHealth(c *gin.Context) {
	state := s.src.State()
	stats := s.src.Stats()

	code := http.StatusOK
	if state != connection.StateConnected {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, healthResponse{
		State:    state.String(),
		Version:  version.String(),
		Sessions: stats.Sessions,
		Conn:     stats.Connection,
		Dispatch: stats.Dispatch,
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.src.Sessions()})
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("status server listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			s.logger.Error("status server shutdown failed", "error", err)
			return fmt.Errorf("shutdown status server: %w", err)
		}
		s.logger.Info("status server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}
