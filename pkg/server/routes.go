package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/srodi/waterwall/pkg/logger"
)

// DefaultStreamInterval is the event stream cadence.
const DefaultStreamInterval = 2 * time.Second

func (h *Handler) SetupRoutes(engine *echo.Echo) {
	engine.Use(echo.WrapMiddleware(LoggerMiddleware))

	engine.GET("/processes", h.ListProcesses)
	engine.GET("/process_stream", h.ProcessStream)
	engine.GET("/user_status", h.UserStatus)
	engine.GET("/status/:pid", h.EnforcementStatus)

	engine.POST("/block", h.Block)
	engine.POST("/unblock", h.Unblock)
	engine.POST("/limit", h.Limit)
	engine.POST("/throttle", h.Throttle)
	engine.POST("/activity", h.Activity)
}

// Server is the HTTP front of the daemon.
type Server struct {
	engine *echo.Echo
}

// New builds the echo engine and routes for svc.
func New(svc Service, streamInterval time.Duration) *Server {
	if streamInterval <= 0 {
		streamInterval = DefaultStreamInterval
	}
	engine := echo.New()
	engine.HideBanner = true
	engine.HidePort = true
	h := &Handler{Service: svc, StreamInterval: streamInterval}
	h.SetupRoutes(engine)
	return &Server{engine: engine}
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		logger.Logger(ctx).Info().Msgf("starting waterwall server on %s", addr)
		errc <- s.engine.Start(addr)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Logger(ctx).Info().Msg("shutting down waterwall server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.engine.Shutdown(shutdownCtx)
}
