package services

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrSessionNotFound is returned when a session lookup finds nothing. During polling this is expected right
	// after creation, while the backend catches up.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAuth is returned when a bearer token cannot be obtained for the managed runtime.
	ErrAuth = errors.New("credential exchange failed")
)

// ProtocolError is a non-2xx response from an agent runtime.
type ProtocolError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s: %s", e.Op, e.StatusCode, e.Status, e.Body)
}

// NotFound reports whether the response means the requested resource does not exist.
func (e *ProtocolError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

func protocolError(op string, resp *http.Response) *ProtocolError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &ProtocolError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Body:       strings.TrimSpace(string(body)),
	}
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}
