package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/server/auth"
	"github.com/jotsync/jotsync/internal/server/handlers/events"
)

const shutdownTimeout = 5 * time.Second

// Server is a sync target: a plain directory tree served over HTTP.
type Server struct {
	config *Config
	auth   *auth.AuthService
	hub    *events.Hub
	server *http.Server
}

func New(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	driver, err := fileapi.NewOsFsDriver(config.DataDir)
	if err != nil {
		return nil, err
	}

	authSvc := auth.NewAuthService(&config.Auth)
	hub := events.NewHub()
	handler, err := SetupRoutes(config, driver, authSvc, hub)
	if err != nil {
		return nil, err
	}

	return &Server{
		config: config,
		auth:   authSvc,
		hub:    hub,
		server: &http.Server{
			Addr:              config.HTTP.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *Server) Auth() *auth.AuthService {
	return s.auth
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	slog.Info("jotsync server start", "addr", s.config.HTTP.Addr, "datadir", s.config.DataDir, "auth", s.auth.IsEnabled())
	defer slog.Info("jotsync server stop")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.runHttpServer()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	// websocket connections are hijacked, Shutdown does not wait for them
	s.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) runHttpServer() error {
	if s.config.HTTP.CertFile != "" {
		slog.Info("server start tls", "addr", s.config.HTTP.Addr, "cert", s.config.HTTP.CertFile)
		return s.server.ListenAndServeTLS(s.config.HTTP.CertFile, s.config.HTTP.KeyFile)
	}
	return s.server.ListenAndServe()
}
