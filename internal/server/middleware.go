package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"example.com/dirserve/internal/logger"
)

type contextKey int

const requestIDKey contextKey = iota

// RequestIDHeader carries the request id back to the client.
const RequestIDHeader = "X-Request-Id"

// RequestIDFromContext returns the id assigned by Instrument, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestID is RequestIDFromContext for a possibly nil request.
func RequestID(req *http.Request) string {
	if req == nil {
		return ""
	}
	return RequestIDFromContext(req.Context())
}

// statusRecorder remembers what was sent so the access log can report it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Instrument assigns every request an id, writes one access log entry per
// response, and turns a handler panic into a 500 so one failing request
// never takes the listener down.
func Instrument(lg *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		id := uuid.NewString()
		req = req.WithContext(context.WithValue(req.Context(), requestIDKey, id))
		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		LogState(lg, req, StateReceived, logger.LogFields{"method": req.Method})

		defer func() {
			if v := recover(); v != nil {
				if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(v)
				}
				lg.Error("Handler panicked", logger.LogFields{
					"request_id": id,
					"path":       req.URL.Path,
					"panic":      fmt.Sprint(v),
				})
				if !rec.wroteHeader {
					LogState(lg, req, StateFailed, nil)
					_ = WriteErrorResponse(rec, req, http.StatusInternalServerError, "", lg)
					LogState(lg, req, StateErrorSent, logger.LogFields{"status": http.StatusInternalServerError})
				}
			}
			lg.Access(req, id, rec.status, rec.bytes, time.Since(start))
		}()

		next.ServeHTTP(rec, req)
	})
}
