package types

import "fmt"

// HTTPError is a protocol failure: the server answered, but with a
// non-2xx status. It carries the numeric status so callers can branch
// on it; transport failures (no response at all) are plain errors.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// NewHTTPError builds an HTTPError for the given status and message.
func NewHTTPError(status int, message string) *HTTPError {
	return &HTTPError{Status: status, Message: message}
}
