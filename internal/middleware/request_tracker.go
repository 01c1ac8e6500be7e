package middleware

import (
	"context"
	"log"
	"net/http"
	"time"
)

// RequestLogStore records served requests for usage metrics.
type RequestLogStore interface {
	CreateRequestLog(ctx context.Context, userID int64, method, endpoint string, statusCode, responseTimeMs int) error
}

// RequestTracker stores request metrics in the database
type RequestTracker struct {
	store RequestLogStore
}

// NewRequestTracker creates a new request tracker middleware
func NewRequestTracker(store RequestLogStore) *RequestTracker {
	return &RequestTracker{store: store}
}

// Middleware returns an HTTP middleware that tracks request metrics.
// Writes happen asynchronously so tracking never blocks a response.
func (rt *RequestTracker) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			var userID int64
			if user := UserFromContext(r.Context()); user != nil {
				userID = user.ID
			}

			method := r.Method
			path := r.URL.Path
			status := rw.statusCode
			elapsed := int(time.Since(start).Milliseconds())

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := rt.store.CreateRequestLog(ctx, userID, method, path, status, elapsed); err != nil {
					log.Printf("[tracker] failed to record request: %v", err)
				}
			}()
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
