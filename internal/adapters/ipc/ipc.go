// Package ipc serves the same HTTP contract as the webhook adapter over
// a unix domain socket, for local producers that must not cross the
// network.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/inletworks/inlet/internal/logging"
)

// Server owns the socket lifecycle.
type Server struct {
	path    string
	httpSrv *http.Server
	logger  *logging.Logger
}

func New(path string, handler http.Handler, logger *logging.Logger) *Server {
	return &Server{
		path: path,
		httpSrv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run listens on the socket until ctx is cancelled. A stale socket file
// left by a previous crash is removed first.
func (s *Server) Run(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	// Producers must share a group with the gateway to write.
	if err := os.Chmod(s.path, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(listener)
	}()
	s.logger.InfoContext(ctx, "ipc socket listening", "path", s.path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		os.Remove(s.path)
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
