package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ILLUVRSE/promptledger/internal/logger"
)

// requestLogger writes one line per request once the response is complete.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		kv := []interface{}{
			logger.FieldRequestID, middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("http request", kv...)
			return
		}
		s.log.Info("http request", kv...)
	})
}
