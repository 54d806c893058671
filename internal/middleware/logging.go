// internal/middleware/logging.go

package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// LogMiddleware is an HTTP middleware that logs incoming requests using Logrus.
// Logs the method, path, status, and duration of each request.
func LogMiddleware(logger logrus.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			entry := logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			})
			if rec.status >= http.StatusInternalServerError {
				entry.Warn("HTTP Request")
				return
			}
			entry.Info("HTTP Request")
		})
	}
}

// LogWebSocketConnect logs a message when a WebSocket client connects.
func LogWebSocketConnect(logger logrus.FieldLogger, remoteAddr string, path string) {
	logger.WithFields(logrus.Fields{
		"remote": remoteAddr,
		"path":   path,
	}).Info("WebSocket connected")
}

// LogWebSocketDisconnect logs a message when a WebSocket client disconnects.
func LogWebSocketDisconnect(logger logrus.FieldLogger, remoteAddr string, path string, err error) {
	fields := logrus.Fields{
		"remote": remoteAddr,
		"path":   path,
	}
	if err != nil {
		fields["error"] = err
	}
	logger.WithFields(fields).Info("WebSocket disconnected")
}
