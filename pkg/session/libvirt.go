package session

import (
	"context"
	"fmt"
	"net/url"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var _ Client = (*Libvirt)(nil)

// Libvirt shuts down domains on a libvirt daemon. The RPC connection is
// the session; there are no hosts to enumerate.
type Libvirt struct {
	endpoint Endpoint
	timeout  time.Duration

	// dial opens the RPC connection; tests replace it
	dial func(uri *url.URL) (*golibvirt.Libvirt, error)
}

func NewLibvirt(ep Endpoint, timeout time.Duration) *Libvirt {
	return &Libvirt{
		endpoint: ep.WithDefaults(),
		timeout:  timeout,
		dial:     func(uri *url.URL) (*golibvirt.Libvirt, error) { return golibvirt.ConnectToURI(uri) },
	}
}

func (l *Libvirt) Name() string { return l.endpoint.DisplayName() }

func (l *Libvirt) Login(ctx context.Context) (*Session, error) {
	uri, err := url.Parse(l.endpoint.URL)
	if err != nil || uri.Scheme == "" {
		return nil, &AuthenticationError{Endpoint: l.Name(), Err: fmt.Errorf("invalid libvirt URI %q", l.endpoint.URL)}
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	type result struct {
		conn *golibvirt.Libvirt
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := l.dial(uri)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &AuthenticationError{Endpoint: l.Name(), Err: r.err}
		}
		log.Debug().Str("endpoint", l.Name()).Str("uri", uri.Redacted()).Msg("connected to libvirt")
		return newSession(l.Name(), "", r.conn), nil
	case <-ctx.Done():
		// a late connection still has to be closed
		go func() {
			if r := <-done; r.err == nil {
				_ = r.conn.Disconnect()
			}
		}()
		return nil, &AuthenticationError{Endpoint: l.Name(), Err: ctx.Err()}
	}
}

func (l *Libvirt) Logout(ctx context.Context, s *Session) error {
	conn, err := l.conn(s)
	if err != nil {
		return err
	}
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("%s: failed to disconnect: %w", l.Name(), err)
	}
	return nil
}

func (l *Libvirt) ListVMs(ctx context.Context, s *Session) ([]VMRef, error) {
	conn, err := l.conn(s)
	if err != nil {
		return nil, &EndpointError{Endpoint: l.Name(), Op: "list VMs", Err: err}
	}
	doms, _, err := conn.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, &EndpointError{Endpoint: l.Name(), Op: "list VMs", Err: err}
	}
	vms := make([]VMRef, 0, len(doms))
	for _, dom := range doms {
		state, _, err := conn.DomainGetState(dom, 0)
		powerState := Unknown
		if err != nil {
			log.Warn().Err(err).Str("endpoint", l.Name()).Str("vm", dom.Name).Msg("failed to get domain state")
		} else {
			powerState = libvirtPowerState(golibvirt.DomainState(state))
		}
		vms = append(vms, VMRef{
			ID:         uuid.UUID(dom.UUID).String(),
			Name:       dom.Name,
			PowerState: powerState,
		})
	}
	return vms, nil
}

func (l *Libvirt) ListHosts(ctx context.Context, s *Session) ([]HostRef, error) {
	return nil, &EndpointError{Endpoint: l.Name(), Op: "list hosts", Err: ErrUnsupported}
}

func (l *Libvirt) ShutdownVM(ctx context.Context, s *Session, vm VMRef) error {
	conn, err := l.conn(s)
	if err != nil {
		return &ShutdownError{Endpoint: l.Name(), Kind: "vm", Target: vm.Name, Err: err}
	}
	dom, err := conn.DomainLookupByName(vm.Name)
	if err != nil {
		return &ShutdownError{Endpoint: l.Name(), Kind: "vm", Target: vm.Name, Err: err}
	}
	if l.endpoint.VMAction == ActionPowerStop {
		err = conn.DomainDestroy(dom)
	} else {
		err = conn.DomainShutdown(dom)
	}
	if err != nil {
		return &ShutdownError{Endpoint: l.Name(), Kind: "vm", Target: vm.Name, Err: err}
	}
	return nil
}

func (l *Libvirt) ShutdownHost(ctx context.Context, s *Session, host HostRef) error {
	return &ShutdownError{Endpoint: l.Name(), Kind: "host", Target: host.Name, Err: ErrUnsupported}
}

func (l *Libvirt) conn(s *Session) (*golibvirt.Libvirt, error) {
	if s == nil {
		return nil, fmt.Errorf("no session")
	}
	conn, ok := s.conn.(*golibvirt.Libvirt)
	if !ok || conn == nil {
		return nil, fmt.Errorf("session %s has no libvirt connection", s.ID)
	}
	return conn, nil
}

func libvirtPowerState(state golibvirt.DomainState) string {
	switch state {
	case golibvirt.DomainRunning, golibvirt.DomainBlocked, golibvirt.DomainShutdown:
		return PoweredOn
	case golibvirt.DomainPaused, golibvirt.DomainPmsuspended:
		return Suspended
	case golibvirt.DomainShutoff, golibvirt.DomainCrashed:
		return PoweredOff
	default:
		return Unknown
	}
}
