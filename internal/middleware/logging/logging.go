// Package logging provides structured HTTP request logging middleware.
package logging

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/paybridge/facilitator/internal/middleware/realip"
)

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type fieldsKey struct{}

// Fields accumulates payment-specific correlation data a handler
// discovers while it processes a /verify or /settle request --
// network, scheme, payer address, settlement transaction hash, bridge
// idempotency key -- so the single log line the middleware emits at
// the end of the request carries that context instead of just
// method/path/status. Handlers call Set as they learn each value;
// none of them are known when the request first arrives.
type Fields struct {
	mu   sync.Mutex
	data map[string]any
}

// Set records a field to be logged with the request's summary line.
// Safe to call from a handler after the response has already been
// written, since the summary line is emitted in a deferred func.
func (f *Fields) Set(key string, value any) {
	if f == nil || value == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = make(map[string]any)
	}
	f.data[key] = value
}

func (f *Fields) attrs() []any {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, 0, len(f.data)*2)
	for k, v := range f.data {
		out = append(out, k, v)
	}
	return out
}

// FromContext returns the Fields bag Middleware attached to the
// request, or a detached one that discards its values if the handler
// is invoked outside Middleware (unit tests calling a handler
// directly need not thread a real request through this package).
func FromContext(ctx context.Context) *Fields {
	if f, ok := ctx.Value(fieldsKey{}).(*Fields); ok {
		return f
	}
	return &Fields{}
}

// Middleware logs one structured line per request: request ID, method,
// path, status, response size, duration, client IP, and whatever
// payment correlation fields the handler recorded via FromContext.
func Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			fields := &Fields{}
			ctx := context.WithValue(r.Context(), fieldsKey{}, fields)

			defer func() {
				attrs := []any{
					"request_id", middleware.GetReqID(ctx),
					"method", r.Method,
					"path", r.URL.Path,
					"status", wrapped.status,
					"bytes", wrapped.bytes,
					"duration", time.Since(start).String(),
					"client_ip", realip.FromContext(r),
				}
				logger.Info("request", append(attrs, fields.attrs()...)...)
			}()

			next.ServeHTTP(wrapped, r.WithContext(ctx))
		})
	}
}
