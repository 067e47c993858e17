// Package session holds the clients used to talk to management endpoints
// (hypervisor managers, BMCs, libvirt daemons). Every client follows the
// same lifecycle: Login creates a Session, the session is passed into every
// call, and Logout releases it.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Power states normalised across endpoint kinds.
const (
	PoweredOn  = "POWERED_ON"
	PoweredOff = "POWERED_OFF"
	Suspended  = "SUSPENDED"
	Unknown    = "UNKNOWN"
)

type VMRef struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PowerState string `json:"power_state"`
}

func (vm VMRef) PoweredOn() bool {
	return vm.PowerState == PoweredOn
}

type HostRef struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PowerState string `json:"power_state,omitempty"`
}

// Session is an authenticated connection to one endpoint. It belongs to
// the pass that created it and must be handed back to Logout exactly once.
type Session struct {
	ID        uuid.UUID
	Endpoint  string
	Token     string
	CreatedAt time.Time

	// variant specific connection (gofish client, libvirt handle)
	conn any
}

func newSession(endpoint, token string, conn any) *Session {
	return &Session{
		ID:        uuid.New(),
		Endpoint:  endpoint,
		Token:     token,
		CreatedAt: time.Now(),
		conn:      conn,
	}
}

// Client is implemented by every endpoint kind.
type Client interface {
	Name() string
	Login(ctx context.Context) (*Session, error)
	Logout(ctx context.Context, s *Session) error
	ListVMs(ctx context.Context, s *Session) ([]VMRef, error)
	ListHosts(ctx context.Context, s *Session) ([]HostRef, error)
	ShutdownVM(ctx context.Context, s *Session, vm VMRef) error
	ShutdownHost(ctx context.Context, s *Session, host HostRef) error
}
