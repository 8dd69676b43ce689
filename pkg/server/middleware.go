package server

import (
	"bytes"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/xid"

	"github.com/srodi/waterwall/pkg/logger"
)

// maxLoggedBody bounds how much of an error response is echoed into the log.
const maxLoggedBody = 1024

// LoggerMiddleware tags each request with an id, recovers panics and logs the outcome.
func LoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = xid.New().String()
		}
		w.Header().Set("X-Request-ID", reqID)
		start := time.Now()
		log := logger.Logger(ctx).With().
			Str("method", r.Method).Str("req_id", reqID).
			Str("url", r.URL.String()).Logger()

		defer func() {
			if err := recover(); err != nil {
				log.Error().Interface("panic", err).Msgf("recovered from panic, stack trace: %s", string(debug.Stack()))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		r = r.WithContext(log.WithContext(ctx))
		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		log = log.With().Int("cost_msec", int(time.Since(start).Milliseconds())).Logger()
		status := rw.status()
		switch {
		case status >= 500:
			log.Error().Int("status_code", status).Str("response_body", rw.body.String()).Msg("request completed with server error")
		case status >= 400:
			log.Warn().Int("status_code", status).Str("response_body", rw.body.String()).Msg("request completed with client error")
		default:
			log.Info().Int("status_code", status).Msg("request completed")
		}
	})
}

type responseWriter struct {
	http.ResponseWriter
	body       bytes.Buffer
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w}
}

func (rw *responseWriter) status() int {
	if rw.statusCode == 0 {
		return http.StatusOK
	}
	return rw.statusCode
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if room := maxLoggedBody - rw.body.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		rw.body.Write(b[:room])
	}
	return rw.ResponseWriter.Write(b)
}

// Flush lets event streams push each frame through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
