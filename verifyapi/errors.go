package verifyapi

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// KindTransport covers failures before a response arrived.
	KindTransport ErrorKind = iota
	// KindStatus is a non-2xx reply.
	KindStatus
	// KindParse is a reply body that is not JSON.
	KindParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Error is returned by Client.Verify for every failed call. Message holds
// the backend's own error/message string when it sent one.
type Error struct {
	Kind       ErrorKind
	Action     Action
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return e.Message
	case KindParse:
		return fmt.Sprintf("failed to parse API response for %s: %s", e.Action, e.Message)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s request failed: %v", e.Action, e.Err)
		}
		return fmt.Sprintf("%s request failed: %s", e.Action, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError unwraps err into a *Error if it is one.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
