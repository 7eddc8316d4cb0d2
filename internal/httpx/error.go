package httpx

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrRemoteCallFailed matches every *HTTPError via errors.Is.
var ErrRemoteCallFailed = errors.New("remote call failed")

// HTTPError represents a non-2xx HTTP response returned by the remote service.
type HTTPError struct {
	// StatusCode is the surfaced code, after the caller's status mapping.
	StatusCode int
	// ReceivedStatus is the status code actually returned on the wire.
	ReceivedStatus int
	// Detail is the decoded JSON body, the body text, or nil for an empty body.
	Detail any
	Body   []byte
	Header http.Header
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.StatusCode != e.ReceivedStatus {
		return fmt.Sprintf("http error: status=%d (received %d) body=%s", e.StatusCode, e.ReceivedStatus, string(e.Body))
	}
	return fmt.Sprintf("http error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Is reports whether target is ErrRemoteCallFailed.
func (e *HTTPError) Is(target error) bool {
	return target == ErrRemoteCallFailed
}

// MapStatus looks code up in mapping, falling back to code itself.
func MapStatus(mapping map[int]int, code int) int {
	if mapped, ok := mapping[code]; ok {
		return mapped
	}
	return code
}

// Successful reports whether code lies in [200, 300).
func Successful(code int) bool {
	return code >= 200 && code < 300
}
