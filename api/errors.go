package api

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedMediaType is wrapped by a NetworkError when a successful
	// response is not JSON.
	ErrUnexpectedMediaType = errors.New("api: unexpected response media type")
	// ErrMalformedResponse is wrapped by a NetworkError when a successful
	// response body is not valid JSON.
	ErrMalformedResponse = errors.New("api: malformed response body")
	// ErrToken is wrapped when the current token could not be obtained.
	ErrToken = errors.New("api: token unavailable")
)

// UnauthorizedError reports that the backend rejected the request with 401.
// It is interpreted once, by a Dispatcher, and never shown to the user.
type UnauthorizedError struct {
	Method string
	Path   string
	// Retried is true when the request was replayed with a force-refreshed
	// token and rejected again.
	Retried bool
	// Challenge is the response's WWW-Authenticate header, if any.
	Challenge string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("api: %s %s: unauthorized", e.Method, e.Path)
}

// NetworkError is any non-401 failure: a transport error, a non-2xx status,
// or an unreadable success body.
type NetworkError struct {
	Method string
	Path   string
	// StatusCode is 0 when no response was received.
	StatusCode int
	Body       []byte
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("api: %s %s: status %d: %v", e.Method, e.Path, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("api: %s %s: status %d", e.Method, e.Path, e.StatusCode)
	default:
		return fmt.Sprintf("api: %s %s: %v", e.Method, e.Path, e.Err)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err carries an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var ue *UnauthorizedError
	return errors.As(err, &ue)
}
