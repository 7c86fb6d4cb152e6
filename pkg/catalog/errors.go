package catalog

import (
	"errors"
	"fmt"
)

var (
	ErrBadURL      = errors.New("catalog: bad request url")
	ErrTransport   = errors.New("catalog: transport failure")
	ErrEmptyBody   = errors.New("catalog: empty response body")
	ErrDecode      = errors.New("catalog: malformed response")
	ErrCircuitOpen = errors.New("catalog: circuit open")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code     int
	Endpoint string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog: %s returned status %d", e.Endpoint, e.Code)
}

// Temporary reports whether the status is worth counting against the breaker.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == 429
}

// IsRemote reports whether err came from talking to the catalog rather than
// from local storage.
func IsRemote(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return true
	}
	for _, target := range []error{ErrBadURL, ErrTransport, ErrEmptyBody, ErrDecode, ErrCircuitOpen} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
