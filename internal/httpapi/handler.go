package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/John-Robertt/rewrite-proxy/internal/decoy"
)

// NewHandler returns the production handler: decoy host routing, then
// observability, then response compression around the mux.
//
// Tests can still use NewMux directly to avoid noisy logs unless needed.
func NewHandler(deps Deps, opt Options) http.Handler {
	s := newServer(deps, opt)
	return s.withDecoyRouting(s.withObservability(gzhttp.GzipHandler(s.mux())))
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withDecoyRouting classifies the Host header. Unknown hosts get the stock
// ServeMux 404 so nothing reveals that this service exists.
func (s *server) withDecoyRouting(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt := s.deps.Router.Classify(r.Host, r.URL.Path)
		if rt.Class == decoy.Unknown {
			s.deps.Metrics.incRequest("(unknown host)", http.StatusNotFound, 0)
			s.log.Debug("unknown host", "host", rt.Host, "path", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(decoy.WithRoute(r.Context(), rt)))
	})
}

func (s *server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		pattern := r.Pattern
		if pattern == "" {
			// Keep it low-cardinality; never use RawQuery because it may carry proxy descriptors.
			pattern = r.Method + " (unmatched)"
		}

		dur := time.Since(start)
		s.deps.Metrics.incRequest(pattern, status, dur)

		// Never log the query string.
		if r.URL.Path != "/health" && r.URL.Path != "/metrics" {
			s.log.LogAttrs(r.Context(), slog.LevelInfo, "http",
				slog.String("request_id", id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("pattern", pattern),
				slog.String("host_class", decoy.RouteFrom(r.Context()).Class.String()),
				slog.Int("status", status),
				slog.Duration("dur", dur.Round(time.Millisecond)),
				slog.Int("bytes", sw.bytes),
			)
		}
	})
}
