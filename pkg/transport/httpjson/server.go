package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/amirimatin/swarm-token-server/pkg/health"
	obsmetrics "github.com/amirimatin/swarm-token-server/pkg/observability/metrics"
	"github.com/amirimatin/swarm-token-server/pkg/observability/tracing"
	"github.com/amirimatin/swarm-token-server/pkg/transport"
)

// Server is the HTTP API of a swarm token node. All responses are JSON and
// carry a permissive CORS header.
type Server struct {
	bind   string
	logger zerolog.Logger
	tlsCfg *tls.Config

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewServer binds to the given TCP address (e.g., "0.0.0.0:3535").
func NewServer(bind string, logger zerolog.Logger) *Server {
	return &Server{bind: bind, logger: logger}
}

// UseTLS serves the API over TLS using cfg.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler returns the routed http.Handler backed by h.
func (s *Server) Handler(h transport.Handlers) http.Handler {
	routes := map[string]http.HandlerFunc{
		"/health":          s.handleHealth(h.LocalHealth),
		"/health/all":      s.handleClusterHealth(h.ClusterHealth),
		"/swarm/worker":    s.handleToken(h.Token, "worker"),
		"/swarm/manager":   s.handleToken(h.Token, "manager"),
		"/swarm/nodes":     s.handleNodes(h.Nodes),
		"/managers":        s.handleManagers(h.Managers),
		"/managers/reload": s.handleReload(h.Reload),
	}
	metrics := promhttp.Handler()

	return s.middleware(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			metrics.ServeHTTP(w, r)
			return
		}
		fn, ok := routes[r.URL.Path]
		if !ok {
			writeJSON(w, http.StatusNotFound, transport.ErrorResponse{Error: "Not Found"})
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSON(w, http.StatusMethodNotAllowed, transport.ErrorResponse{Error: "Method Not Allowed"})
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http"+r.URL.Path)
		defer end()
		fn(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(fn transport.LocalHealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			notImplemented(w)
			return
		}
		resp := fn(r.Context())
		code := http.StatusOK
		if resp.Status != health.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func (s *Server) handleClusterHealth(fn transport.ClusterHealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			notImplemented(w)
			return
		}
		resp, err := fn(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		code := http.StatusOK
		if resp.Status != string(health.StatusHealthy) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func (s *Server) handleToken(fn transport.TokenFunc, role string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			notImplemented(w)
			return
		}
		resp, err := fn(r.Context(), role)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleNodes(fn transport.NodesFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			notImplemented(w)
			return
		}
		resp, err := fn(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleManagers(fn transport.ManagersFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			notImplemented(w)
			return
		}
		resp, err := fn(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleReload(fn transport.ReloadFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			notImplemented(w)
			return
		}
		resp, err := fn(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// writeError maps a handler error to a JSON payload. Only the message of a
// *transport.Error is exposed; anything else becomes a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var te *transport.Error
	if errors.As(err, &te) {
		code := te.Code
		if code == 0 {
			code = http.StatusInternalServerError
		}
		s.logger.Error().Err(err).Str("path", r.URL.Path).Int("code", code).Msg("request failed")
		writeJSON(w, code, transport.ErrorResponse{Error: te.Message})
		return
	}
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, transport.ErrorResponse{Error: "Internal Server Error"})
}

func notImplemented(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotImplemented, transport.ErrorResponse{Error: "Not Implemented"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	code    int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.code = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.code = http.StatusOK
		r.written = true
	}
	return r.ResponseWriter.Write(b)
}

// middleware sets the CORS header, converts panics into a 500 and records
// access logs and request metrics.
func (s *Server) middleware(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set("Access-Control-Allow-Origin", "*")
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error().Interface("panic", p).Str("path", r.URL.Path).Msg("handler panic")
				if !rec.written {
					writeJSON(rec, http.StatusInternalServerError, transport.ErrorResponse{Error: "Internal Server Error"})
				}
			}
			route := r.URL.Path
			if rec.code == http.StatusNotFound {
				route = "unmatched"
			}
			obsmetrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
			s.logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.code).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Msg("request")
		}()
		next(rec, r)
	})
}

// Start listens on the bind address and serves h until ctx is canceled or
// Stop is called.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	srv := &http.Server{Handler: s.Handler(h), ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("httpjson: server error")
		}
	}()
	return nil
}

// Addr returns the listening address once started, else the bind address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.bind
}

// Stop closes the listener and waits briefly for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(c)
}

var _ transport.RPCServer = (*Server)(nil)
