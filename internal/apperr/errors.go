package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetwork marks a transport-level failure (refused, reset, timeout).
	ErrNetwork = errors.New("network failure")
	// ErrStale marks a response that belongs to a superseded epoch or selection.
	ErrStale = errors.New("stale response")
	// ErrInvalidState marks an operation attempted outside its legal state.
	ErrInvalidState = errors.New("invalid state")
)

// ConnectionMessage is shown when the backend could not be reached at all.
const ConnectionMessage = "connection error while contacting the library"

// ServerError is a non-2xx answer from the library backend.
type ServerError struct {
	Status int
	Detail string
}

func (e *ServerError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server error %d", e.Status)
	}
	return fmt.Sprintf("server error %d: %s", e.Status, e.Detail)
}

// NotFound reports whether the backend answered 404.
func (e *ServerError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

// IsStale reports whether err is a discarded response.
func IsStale(err error) bool {
	return errors.Is(err, ErrStale)
}

// Detail extracts the backend-provided detail from err, if any.
func Detail(err error) (string, bool) {
	var se *ServerError
	if errors.As(err, &se) && se.Detail != "" {
		return se.Detail, true
	}
	return "", false
}

// Message renders err as status text for the presented interface.
// Stale responses render as the empty string.
func Message(err error) string {
	switch {
	case err == nil, IsStale(err):
		return ""
	case errors.Is(err, ErrNetwork):
		return ConnectionMessage
	case errors.Is(err, ErrInvalidState):
		return "action not available right now"
	}
	var se *ServerError
	if errors.As(err, &se) {
		if se.Detail != "" {
			return se.Detail
		}
		return fmt.Sprintf("request failed (%d %s)", se.Status, http.StatusText(se.Status))
	}
	return err.Error()
}
