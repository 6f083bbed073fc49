package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "puddlejobs/pkg/logx"
)

// Server exposes a registry over HTTP on its own listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log logx.Logger
}

// ListenOption adds handlers next to the metrics endpoint.
type ListenOption func(mux *http.ServeMux)

// WithPprof mounts the runtime profiler under prefix (default /debug/pprof).
// Only enable it on a loopback or otherwise private address.
func WithPprof(prefix string) ListenOption {
	return func(mux *http.ServeMux) {
		p := strings.TrimRight(strings.TrimSpace(prefix), "/")
		if p == "" {
			p = "/debug/pprof"
		}
		mux.HandleFunc(p+"/", hpprof.Index)
		mux.HandleFunc(p+"/cmdline", hpprof.Cmdline)
		mux.HandleFunc(p+"/profile", hpprof.Profile)
		mux.HandleFunc(p+"/symbol", hpprof.Symbol)
		mux.HandleFunc(p+"/trace", hpprof.Trace)
	}
}

// Listen binds addr and serves gatherer at path. Serve must be called to
// accept connections.
func Listen(addr, path string, gatherer prometheus.Gatherer, log logx.Logger, opts ...ListenOption) (*Server, error) {
	if path == "" {
		path = "/metrics"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	for _, o := range opts {
		o(mux)
	}
	return &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		log: log.With(logx.String("comp", "metrics")),
	}, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until ctx is cancelled, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(s.ln) }()
	s.log.Info("metrics server listening", logx.String("addr", s.Addr()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(sctx)
		<-errCh
		return nil
	}
}
