package query

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 60 * time.Second
)

// Server exposes the query routes over HTTP
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	done       chan struct{}
	served     atomic.Bool
}

// Listen binds address and prepares a server; Serve starts accepting
func Listen(address string, handler http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	return &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
		},
		listener: ln,
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections in the background
func (s *Server) Serve() {
	if !s.served.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.done)
		log.Info().Str("address", s.listener.Addr().String()).Msg("Query server listening")
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Query server stopped unexpectedly")
		}
	}()
}

// Shutdown stops accepting connections and lets in-flight lookups complete
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.served.Load() {
		return s.listener.Close()
	}
	err := s.httpServer.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return err
}
