package audit

import (
	"errors"
	"fmt"
)

// Input errors raised by the URL safety gate. They are never retried.
var (
	ErrInvalidURL            = errors.New("invalid url")
	ErrBlockedHostname       = errors.New("blocked hostname")
	ErrDNSUnresolved         = errors.New("dns unresolved")
	ErrBlockedIP             = errors.New("blocked ip")
	ErrRedirectLimitExceeded = errors.New("redirect limit exceeded")
)

// Lookup and authorization errors returned to callers.
var (
	ErrNotFound      = errors.New("not found")
	ErrJobNotFound   = fmt.Errorf("job %w", ErrNotFound)
	ErrScanNotFound  = fmt.Errorf("scan %w", ErrNotFound)
	ErrScanExists    = errors.New("scan already exists")
	ErrAccessDenied  = errors.New("access denied")
	ErrNotAuthorized = errors.New("scan of this url was not authorized")
	ErrLeaseLost     = errors.New("job lease lost")
	ErrScanNotReady  = errors.New("scan has not finished")
)

// IsInputError reports whether err originates from URL validation.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, ErrBlockedHostname) ||
		errors.Is(err, ErrDNSUnresolved) ||
		errors.Is(err, ErrBlockedIP) ||
		errors.Is(err, ErrRedirectLimitExceeded) ||
		errors.Is(err, ErrNotAuthorized)
}
