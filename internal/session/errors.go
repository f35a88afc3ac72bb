package session

import (
	"errors"
	"fmt"

	"github.com/niagara-mcp/niagara-mcp/internal/haystack"
)

var ErrNoBackend = errors.New("backend not configured")

// ConnectionError reports an unreachable backend or a timed out request.
type ConnectionError struct {
	Backend Tag
	Op      string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: connection failed: %v", e.Backend, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// AuthError reports credentials rejected by the backend, after the single
// re-login attempt when the rejection happened mid-session.
type AuthError struct {
	Backend Tag
	Op      string
	Status  int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s: authentication rejected (HTTP %d)", e.Backend, e.Op, e.Status)
}

// BackendError reports a reachable backend refusing the request. Grid holds
// the decoded Haystack error grid when the backend sent one.
type BackendError struct {
	Backend Tag
	Op      string
	Status  int
	Msg     string
	Grid    *haystack.Grid
}

func (e *BackendError) Error() string {
	msg := e.Msg
	if msg == "" && e.Grid != nil {
		msg = e.Grid.ErrDis()
	}
	if msg == "" {
		msg = "request failed"
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s: HTTP %d: %s", e.Backend, e.Op, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Backend, e.Op, msg)
}

// IsConnection reports whether err is a ConnectionError.
func IsConnection(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
