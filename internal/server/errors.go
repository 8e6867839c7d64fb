package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"example.com/dirserve/internal/logger"
)

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

type htmlMessage struct {
	Title   string
	Heading string
	Message string
}

// defaultHTMLMessages maps the status codes this server emits to their
// default HTML messages.
var defaultHTMLMessages = map[int]htmlMessage{
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
}

// PrefersJSON reports whether the most preferred media type of an Accept
// header is application/json. Offers are ranked by q-value, then by
// specificity, then by position. A bare "*/*" prefers HTML.
func PrefersJSON(acceptHeaderValue string) bool {
	if acceptHeaderValue == "" {
		return false
	}

	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer

	for i, part := range strings.Split(acceptHeaderValue, ",") {
		part = strings.TrimSpace(part)
		mediaType := part
		q := 1.0

		if idx := strings.Index(part, ";"); idx != -1 {
			mediaType = strings.TrimSpace(part[:idx])
			for _, param := range strings.Split(part[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if strings.HasPrefix(param, "q=") {
					q = parseQValue(param[2:])
					break
				}
			}
		}

		// RFC 9110 12.4.2: q=0 means "not acceptable".
		if q > 0 {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         q,
				specific:  !strings.HasSuffix(mediaType, "/*"),
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}

	sort.SliceStable(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// parseQValue parses a q-value. Malformed or out of range values count as 0.
func parseQValue(qStr string) float64 {
	q, err := strconv.ParseFloat(strings.TrimSpace(qStr), 64)
	if err != nil || q < 0 || q > 1 {
		return 0
	}
	return q
}

// WriteErrorResponse sends a small self-contained error page (or JSON body
// when the client prefers it). It is used when a template cannot be rendered,
// so it never depends on one.
func WriteErrorResponse(w http.ResponseWriter, req *http.Request, statusCode int, detailMessage string, log *logger.Logger) error {
	log.Debug("Writing default error response", logger.LogFields{
		"status_code": statusCode,
		"detail":      detailMessage,
		"request_id":  RequestID(req),
	})

	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}

	var body []byte
	var contentType string
	sendJSON := req != nil && PrefersJSON(req.Header.Get("Accept"))

	if sendJSON {
		contentType = "application/json; charset=utf-8"
		b, err := jsonMarshalFunc(ErrorResponseJSON{Error: ErrorDetail{
			StatusCode: statusCode,
			Message:    statusText,
			Detail:     detailMessage,
		}})
		if err != nil {
			log.Error("Failed to marshal JSON error response, falling back to HTML", logger.LogFields{
				"error":       err.Error(),
				"status_code": statusCode,
			})
			sendJSON = false
		} else {
			body = b
		}
	}

	if !sendJSON {
		contentType = "text/html; charset=utf-8"
		msg, known := defaultHTMLMessages[statusCode]
		if !known {
			msg = htmlMessage{
				Title:   fmt.Sprintf("%d %s", statusCode, statusText),
				Heading: statusText,
				Message: "The server encountered an error processing your request.",
			}
		}
		text := html.EscapeString(msg.Message)
		if detailMessage != "" {
			text += " " + html.EscapeString(detailMessage)
		}
		body = GenerateHTMLResponseBody(msg.Title, msg.Heading, text)
	}

	h := w.Header()
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	if err := WriteBody(w, req, statusCode, contentType, body); err != nil {
		log.Error("Failed to send error response body", logger.LogFields{
			"error":       err.Error(),
			"status_code": statusCode,
		})
		return fmt.Errorf("failed to send error response (status %d): %w", statusCode, err)
	}
	return nil
}

// GenerateHTMLResponseBody creates a minimal HTML error page. message must
// already be escaped.
func GenerateHTMLResponseBody(title, heading, message string) []byte {
	return []byte(fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(heading), message))
}
