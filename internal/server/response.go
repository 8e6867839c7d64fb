package server

import (
	"io"
	"net/http"
	"strconv"

	"example.com/dirserve/internal/logger"
)

// RequestState names a step of the per-request lifecycle. Transitions are
// logged at debug level.
type RequestState string

const (
	StateReceived   RequestState = "received"
	StateClassified RequestState = "classified"
	StateRendering  RequestState = "rendering"
	StateStreaming  RequestState = "streaming"
	StateSent       RequestState = "sent"
	StateFailed     RequestState = "failed"
	StateErrorSent  RequestState = "error_sent"
)

// LogState records a lifecycle transition for req.
func LogState(lg *logger.Logger, req *http.Request, state RequestState, fields logger.LogFields) {
	f := logger.LogFields{"state": string(state), "request_id": RequestID(req)}
	if req != nil {
		f["path"] = req.URL.Path
	}
	for k, v := range fields {
		f[k] = v
	}
	lg.Debug("Request state", f)
}

// setContentType sets the header, or suppresses content sniffing entirely
// when contentType is empty.
func setContentType(w http.ResponseWriter, contentType string) {
	if contentType == "" {
		w.Header()["Content-Type"] = nil
		return
	}
	w.Header().Set("Content-Type", contentType)
}

// WriteBody emits status, content type and a complete body. HEAD requests
// get the headers only.
func WriteBody(w http.ResponseWriter, req *http.Request, status int, contentType string, body []byte) error {
	setContentType(w, contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if req != nil && req.Method == http.MethodHead {
		return nil
	}
	_, err := w.Write(body)
	return err
}

const streamBufferSize = 32 * 1024

// WriteStream emits status and content type, then copies r to the client.
// size is sent as Content-Length when it is not negative. Once this is
// called the status is committed; a copy error can only be logged.
func WriteStream(w http.ResponseWriter, req *http.Request, status int, contentType string, size int64, r io.Reader) (int64, error) {
	setContentType(w, contentType)
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(status)
	if req != nil && req.Method == http.MethodHead {
		return 0, nil
	}
	return io.CopyBuffer(w, r, make([]byte, streamBufferSize))
}
