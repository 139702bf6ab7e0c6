// Package httpx runs an http.Server until its context ends.
package httpx

import (
	"context"
	"errors"
	"net/http"
	"time"

	"order-ledger/internal/common/logger"
)

type Server struct {
	*http.Server
	log *logger.Logger
}

func New(addr string, h http.Handler, lg *logger.Logger) *Server {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Server{
		Server: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		log: lg,
	}
}

// Run serves until ctx ends, then shuts down with a five second grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()
	s.log.Info("http_listening", map[string]any{"addr": s.Addr})

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(sctx); err != nil {
			s.log.Error("http_shutdown_failed", err, nil)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
