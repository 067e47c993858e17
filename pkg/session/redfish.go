package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/stmcginnis/gofish"
	"github.com/stmcginnis/gofish/redfish"
)

var _ Client = (*Redfish)(nil)

// Redfish shuts down physical hosts through their BMC. A BMC has no VMs,
// so ListVMs always comes back empty.
type Redfish struct {
	endpoint Endpoint
	client   *http.Client
}

func NewRedfish(ep Endpoint, c *http.Client) *Redfish {
	return &Redfish{endpoint: ep.WithDefaults(), client: orDefault(c)}
}

func (r *Redfish) Name() string { return r.endpoint.DisplayName() }

func (r *Redfish) Login(ctx context.Context) (*Session, error) {
	api, err := gofish.ConnectContext(ctx, gofish.ClientConfig{
		Endpoint:   r.endpoint.URL,
		Username:   r.endpoint.Username,
		Password:   r.endpoint.Password,
		Insecure:   !r.endpoint.VerifyTLS,
		HTTPClient: r.client,
	})
	if err != nil {
		return nil, &AuthenticationError{Endpoint: r.Name(), Err: err}
	}
	log.Debug().Str("endpoint", r.Name()).Msg("opened Redfish session")
	return newSession(r.Name(), "", api), nil
}

func (r *Redfish) Logout(ctx context.Context, s *Session) error {
	api, err := r.api(s)
	if err != nil {
		return err
	}
	api.Logout()
	return nil
}

func (r *Redfish) ListVMs(ctx context.Context, s *Session) ([]VMRef, error) {
	return []VMRef{}, nil
}

func (r *Redfish) ListHosts(ctx context.Context, s *Session) ([]HostRef, error) {
	api, err := r.api(s)
	if err != nil {
		return nil, &EndpointError{Endpoint: r.Name(), Op: "list hosts", Err: err}
	}
	systems, err := api.GetService().Systems()
	if err != nil {
		return nil, &EndpointError{Endpoint: r.Name(), Op: "list hosts", Err: err}
	}
	hosts := make([]HostRef, 0, len(systems))
	for _, sys := range systems {
		name := sys.HostName
		if name == "" {
			name = sys.Name
		}
		hosts = append(hosts, HostRef{
			ID:         sys.ODataID,
			Name:       name,
			PowerState: redfishPowerState(sys.PowerState),
		})
	}
	return hosts, nil
}

func (r *Redfish) ShutdownVM(ctx context.Context, s *Session, vm VMRef) error {
	return &ShutdownError{Endpoint: r.Name(), Kind: "vm", Target: vm.Name, Err: ErrUnsupported}
}

func (r *Redfish) ShutdownHost(ctx context.Context, s *Session, host HostRef) error {
	api, err := r.api(s)
	if err != nil {
		return &ShutdownError{Endpoint: r.Name(), Kind: "host", Target: host.Name, Err: err}
	}
	sys, err := redfish.GetComputerSystem(api, host.ID)
	if err != nil {
		return &ShutdownError{Endpoint: r.Name(), Kind: "host", Target: host.Name, Err: err}
	}
	resetType := redfish.GracefulShutdownResetType
	if r.endpoint.HostAction == ActionPowerStop {
		resetType = redfish.ForceOffResetType
	}
	if err := sys.Reset(resetType); err != nil {
		return &ShutdownError{Endpoint: r.Name(), Kind: "host", Target: host.Name, Err: err}
	}
	return nil
}

func (r *Redfish) api(s *Session) (*gofish.APIClient, error) {
	if s == nil {
		return nil, fmt.Errorf("no session")
	}
	api, ok := s.conn.(*gofish.APIClient)
	if !ok || api == nil {
		return nil, fmt.Errorf("session %s has no Redfish connection", s.ID)
	}
	return api, nil
}

func redfishPowerState(state redfish.PowerState) string {
	switch state {
	case redfish.OnPowerState, redfish.PoweringOffPowerState:
		return PoweredOn
	case redfish.OffPowerState, redfish.PoweringOnPowerState:
		return PoweredOff
	default:
		return Unknown
	}
}
