package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrThrottled indicates Graph kept returning 429/503 until the retry
// budget ran out.
var ErrThrottled = errors.New("graph: throttled, retries exhausted")

// RequestError is a non-retryable 4xx from Graph, carrying the provider's
// error code and message.
type RequestError struct {
	Status  int
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph: request failed (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("graph: request failed (%d): %s", e.Status, e.Message)
}

// graphErrorBody is Graph's error envelope: {"error":{"code","message"}}.
type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newRequestError parses a Graph error response body into a RequestError,
// falling back to the raw body when it isn't the standard envelope.
func newRequestError(status int, body []byte) *RequestError {
	var parsed graphErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return &RequestError{Status: status, Code: parsed.Error.Code, Message: parsed.Error.Message}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &RequestError{Status: status, Message: msg}
}

// retryable reports whether a status is a transient server condition.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusServiceUnavailable
}
