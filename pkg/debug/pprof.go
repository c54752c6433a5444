package debug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPprofAddr is used when StartPprofServer is given an empty address.
const DefaultPprofAddr = "localhost:6060"

// PprofServer serves hotprof's own runtime profiles.
type PprofServer struct {
	server   *http.Server
	listener net.Listener
	logger   logrus.FieldLogger
}

// StartPprofServer binds addr and serves /debug/pprof/ in the background.
// Bind errors are returned immediately.
func StartPprofServer(addr string, logger logrus.FieldLogger) (*PprofServer, error) {
	if addr == "" {
		addr = DefaultPprofAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof server failed: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s := &PprofServer{
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		listener: ln,
		logger:   logger.WithField("addr", ln.Addr().String()),
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Warn("pprof server stopped")
		}
	}()
	s.logger.Debug("Serving pprof")
	return s, nil
}

// Addr is the bound listen address.
func (s *PprofServer) Addr() string {
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting up to five seconds for open requests.
func (s *PprofServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Debug("pprof server shutdown")
	}
}
