package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teamy2/edgegate/internal/features"
	"github.com/teamy2/edgegate/internal/logging"
)

var accessRWPool = sync.Pool{
	New: func() any { return &accessResponseWriter{} },
}

// AccessLog emits one structured line per request. Client addresses are
// logged as salted hashes only; raw IPs never reach the log.
func AccessLog(ipHashSalt string, skipPaths ...string) Middleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			arw := accessRWPool.Get().(*accessResponseWriter)
			arw.ResponseWriter = w
			arw.status = http.StatusOK
			arw.bytes = 0

			next.ServeHTTP(arw, r)

			duration := time.Since(start)

			fields := make([]zap.Field, 0, 10)
			fields = append(fields,
				zap.String("ipHash", features.HashIP(features.ClientIP(r), ipHashSalt)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("host", r.Host),
				zap.Int("status", arw.status),
				zap.Int64("bytes", arw.bytes),
				zap.Duration("duration", duration),
			)
			if reqID := arw.Header().Get("X-Request-Id"); reqID != "" {
				fields = append(fields, zap.String("requestId", reqID))
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String("userAgent", ua))
			}
			logging.Info("HTTP request", fields...)

			arw.ResponseWriter = nil
			accessRWPool.Put(arw)
		})
	}
}

// accessResponseWriter captures status and byte count.
type accessResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (arw *accessResponseWriter) WriteHeader(status int) {
	arw.status = status
	arw.ResponseWriter.WriteHeader(status)
}

func (arw *accessResponseWriter) Write(b []byte) (int, error) {
	n, err := arw.ResponseWriter.Write(b)
	arw.bytes += int64(n)
	return n, err
}

func (arw *accessResponseWriter) Flush() {
	if f, ok := arw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
