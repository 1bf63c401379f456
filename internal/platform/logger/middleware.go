package logger

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/pion/logging"
)

// RequestLogger returns a chi middleware that logs method, path, status,
// duration and response size of each request.
func RequestLogger(log logging.LeveledLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			log.Infof("http: %s %s status=%d duration_ms=%d size=%d",
				r.Method, r.URL.Path, status, time.Since(start).Milliseconds(), ww.BytesWritten())
		})
	}
}
