package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/hub"
)

// Server manages the HTTP listener serving the REST API and the push socket.
type Server struct {
	http     *http.Server
	addr     string
	listener net.Listener
	logger   *zap.Logger
}

// NewServer builds the router. It does not listen until Listen is called.
func NewServer(p Params, handler *api.Handler, h *hub.Hub, logger *zap.Logger) *Server {
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: p.Config.Server.CORSOrigins,
		Push:        h,
	}, logger.Named("http"))
	return &Server{
		http: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		addr:   p.Config.Server.Listen,
		logger: logger,
	}
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Serve blocks until the server stops. A graceful stop is not an error.
func (s *Server) Serve() error {
	s.logger.Info("http server starting", zap.String("addr", s.Addr()))
	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
}
