package session

import (
	"errors"
	"fmt"
)

// ErrUnsupported is wrapped when an endpoint kind has no notion of the
// requested resource, e.g. hosts on a libvirt daemon.
var ErrUnsupported = errors.New("not supported by this endpoint kind")

// AuthenticationError means the endpoint rejected the login.
type AuthenticationError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: failed to authenticate: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s: failed to authenticate; (%d) %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// EndpointError means an enumeration call failed.
type EndpointError struct {
	Endpoint   string
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *EndpointError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: failed to %s: %v", e.Endpoint, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: failed to %s; (%d) %s", e.Endpoint, e.Op, e.StatusCode, e.Body)
}

func (e *EndpointError) Unwrap() error { return e.Err }

// ShutdownError means a single VM or host shutdown call failed.
type ShutdownError struct {
	Endpoint   string
	Kind       string // "vm" or "host"
	Target     string
	StatusCode int
	Body       string
	Err        error
}

func (e *ShutdownError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: failed to shut down %s %s: %v", e.Endpoint, e.Kind, e.Target, e.Err)
	}
	return fmt.Sprintf("%s: failed to shut down %s %s; (%d) %s", e.Endpoint, e.Kind, e.Target, e.StatusCode, e.Body)
}

func (e *ShutdownError) Unwrap() error { return e.Err }
