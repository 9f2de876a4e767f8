package idp

import (
	"errors"
	"fmt"
)

// ExternalServiceError wraps every failed call to the identity provider's
// management API. StatusCode is 0 for transport failures.
type ExternalServiceError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity provider %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("identity provider %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// IsExternal reports whether err came from the identity provider.
func IsExternal(err error) bool {
	var ext *ExternalServiceError
	return errors.As(err, &ext)
}

// StatusOf returns the provider HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return ext.StatusCode
	}
	return 0
}
