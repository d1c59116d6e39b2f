package source

import (
	"errors"
	"fmt"
)

// Kind classifies a failed fetch.
type Kind int

const (
	KindRateLimited Kind = iota + 1
	KindAPI
	KindNoData
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAPI:
		return "api_error"
	case KindNoData:
		return "no_data"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// ErrNoCredentials is returned when the pool has nothing to sign requests with.
var ErrNoCredentials = errors.New("no x api credentials configured")

// FetchError is the only error type returned by Client lookups.
type FetchError struct {
	Kind   Kind
	Status int    // HTTP status for KindAPI / KindRateLimited
	Body   string // truncated response body for KindAPI
	Cause  error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindRateLimited:
		if e.Cause != nil {
			return fmt.Sprintf("rate limited: %v", e.Cause)
		}
		return "rate limited"
	case KindAPI:
		return fmt.Sprintf("x api error %d: %s", e.Status, e.Body)
	case KindNoData:
		if e.Body != "" {
			return "no post data: " + e.Body
		}
		return "no post data"
	case KindTransport:
		return fmt.Sprintf("transport: %v", e.Cause)
	default:
		return "fetch failed"
	}
}

func (e *FetchError) Unwrap() error { return e.Cause }

// KindOf extracts the fetch error kind, or 0 when err is not a *FetchError.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// IsRateLimited reports whether err is a rate-limit outcome.
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }
