package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/teamy2/edgegate/internal/errors"
	"github.com/teamy2/edgegate/internal/logging"
)

// Recovery turns handler panics into 500 responses. The panic value never
// reaches the client, only the log.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logging.Error("Panic recovered",
						zap.Any("error", err),
						zap.ByteString("stack", debug.Stack()),
					)

					gwErr := errors.ErrInternalServer.WithDetails(fmt.Sprintf("panic: %v", err))
					if reqID := w.Header().Get("X-Request-Id"); reqID != "" {
						gwErr = gwErr.WithRequestID(reqID)
					}
					gwErr.WriteJSON(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
