package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// responseWriterWithStatus wraps http.ResponseWriter to capture status code
type responseWriterWithStatus struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriterWithStatus) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriterWithStatus) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// loggingMiddleware logs each HTTP request with details
func loggingMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriterWithStatus{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Get client IP (handle potential proxy headers)
		clientIP := r.RemoteAddr
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			clientIP = strings.TrimSpace(strings.Split(xff, ",")[0])
		} else if xri := r.Header.Get("X-Real-IP"); xri != "" {
			clientIP = xri
		}

		next.ServeHTTP(rw, r)

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Int64("bytes", rw.bytesWritten).
			Dur("duration", time.Since(start)).
			Str("client", clientIP).
			Str("user_agent", r.UserAgent()).
			Msg("request")
	})
}
