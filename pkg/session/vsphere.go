package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/OpenCHAMI/upsmon/pkg/client"
	"github.com/rs/zerolog/log"
)

// SessionHeader carries the vSphere session token on every call.
const SessionHeader = "vmware-api-session-id"

var (
	legacyPaths = Paths{
		Session: "rest/com/vmware/cis/session",
		Host:    "rest/vcenter/host",
		VM:      "rest/vcenter/vm",
	}
	currentPaths = Paths{
		Session: "api/session",
		Host:    "api/vcenter/host",
		VM:      "api/vcenter/vm",
	}
)

// Compile-time interface check.
var _ Client = (*VSphere)(nil)

// VSphere talks to a vCenter REST surface. The legacy flavour wraps every
// result in {"value": ...}; the current flavour returns bare JSON.
type VSphere struct {
	endpoint Endpoint
	client   *http.Client
}

func NewVSphere(ep Endpoint, c *http.Client) *VSphere {
	return &VSphere{endpoint: ep.WithDefaults(), client: orDefault(c)}
}

func (v *VSphere) Name() string { return v.endpoint.DisplayName() }

func (v *VSphere) Login(ctx context.Context) (*Session, error) {
	headers := client.HTTPHeader{}.BasicAuth(v.endpoint.Username, v.endpoint.Password)
	res, body, err := client.MakeRequest(ctx, v.client, v.url(v.endpoint.Paths.Session), http.MethodPost, nil, headers)
	if err != nil {
		return nil, &AuthenticationError{Endpoint: v.Name(), Err: err}
	}
	if !client.StatusOK(res) {
		return nil, &AuthenticationError{Endpoint: v.Name(), StatusCode: res.StatusCode, Body: string(body)}
	}

	var token string
	if err := v.decode(body, &token); err != nil || token == "" {
		if err == nil {
			err = fmt.Errorf("empty session token")
		}
		return nil, &AuthenticationError{Endpoint: v.Name(), StatusCode: res.StatusCode, Err: err}
	}
	log.Debug().Str("endpoint", v.Name()).Msg("logged in")
	return newSession(v.Name(), token, nil), nil
}

func (v *VSphere) Logout(ctx context.Context, s *Session) error {
	res, body, err := client.MakeRequest(ctx, v.client, v.url(v.endpoint.Paths.Session), http.MethodDelete, nil, v.headers(s))
	if err != nil {
		return fmt.Errorf("%s: failed to log out: %w", v.Name(), err)
	}
	if !client.StatusOK(res) {
		return fmt.Errorf("%s: failed to log out; (%d) %s", v.Name(), res.StatusCode, string(body))
	}
	return nil
}

type vsphereVM struct {
	VM         string `json:"vm"`
	Name       string `json:"name"`
	PowerState string `json:"power_state"`
}

type vsphereHost struct {
	Host            string `json:"host"`
	Name            string `json:"name"`
	ConnectionState string `json:"connection_state"`
	PowerState      string `json:"power_state"`
}

func (v *VSphere) ListVMs(ctx context.Context, s *Session) ([]VMRef, error) {
	var found []vsphereVM
	if err := v.list(ctx, s, v.endpoint.Paths.VM, "list VMs", &found); err != nil {
		return nil, err
	}
	vms := make([]VMRef, 0, len(found))
	for _, vm := range found {
		vms = append(vms, VMRef{ID: vm.VM, Name: vm.Name, PowerState: vm.PowerState})
	}
	return vms, nil
}

func (v *VSphere) ListHosts(ctx context.Context, s *Session) ([]HostRef, error) {
	var found []vsphereHost
	if err := v.list(ctx, s, v.endpoint.Paths.Host, "list hosts", &found); err != nil {
		return nil, err
	}
	hosts := make([]HostRef, 0, len(found))
	for _, h := range found {
		hosts = append(hosts, HostRef{ID: h.Host, Name: h.Name, PowerState: h.PowerState})
	}
	return hosts, nil
}

func (v *VSphere) ShutdownVM(ctx context.Context, s *Session, vm VMRef) error {
	method, target := v.vmAction(vm.ID)
	return v.shutdown(ctx, s, "vm", vm.Name, method, target)
}

func (v *VSphere) ShutdownHost(ctx context.Context, s *Session, host HostRef) error {
	id := url.PathEscape(host.ID)
	method, target := http.MethodDelete, v.url(v.endpoint.Paths.Host, id)
	if v.endpoint.HostAction == ActionPowerStop {
		method, target = http.MethodPost, v.powerStopURL(v.endpoint.Paths.Host, id)
	}
	return v.shutdown(ctx, s, "host", host.Name, method, target)
}

func (v *VSphere) vmAction(id string) (string, string) {
	id = url.PathEscape(id)
	switch v.endpoint.VMAction {
	case ActionGuestShutdown:
		return http.MethodPost, v.url(v.endpoint.Paths.VM, id, "guest/power") + "?action=shutdown"
	case ActionDelete:
		return http.MethodDelete, v.url(v.endpoint.Paths.VM, id)
	default:
		return http.MethodPost, v.powerStopURL(v.endpoint.Paths.VM, id)
	}
}

func (v *VSphere) powerStopURL(collection, id string) string {
	if v.endpoint.API == APICurrent {
		return v.url(collection, id, "power") + "?action=stop"
	}
	return v.url(collection, id, "power/stop")
}

func (v *VSphere) shutdown(ctx context.Context, s *Session, kind, name, method, target string) error {
	res, body, err := client.MakeRequest(ctx, v.client, target, method, nil, v.headers(s))
	if err != nil {
		return &ShutdownError{Endpoint: v.Name(), Kind: kind, Target: name, Err: err}
	}
	if !client.StatusOK(res) {
		return &ShutdownError{Endpoint: v.Name(), Kind: kind, Target: name, StatusCode: res.StatusCode, Body: string(body)}
	}
	return nil
}

func (v *VSphere) list(ctx context.Context, s *Session, path, op string, out any) error {
	res, body, err := client.MakeRequest(ctx, v.client, v.url(path), http.MethodGet, nil, v.headers(s))
	if err != nil {
		return &EndpointError{Endpoint: v.Name(), Op: op, Err: err}
	}
	if !client.StatusOK(res) {
		return &EndpointError{Endpoint: v.Name(), Op: op, StatusCode: res.StatusCode, Body: string(body)}
	}
	if err := v.decode(body, out); err != nil {
		return &EndpointError{Endpoint: v.Name(), Op: op, StatusCode: res.StatusCode, Err: err}
	}
	return nil
}

func (v *VSphere) decode(body []byte, out any) error {
	if v.endpoint.API == APICurrent {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return nil
	}
	var wrapped struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(wrapped.Value) == 0 {
		return fmt.Errorf("response has no value")
	}
	if err := json.Unmarshal(wrapped.Value, out); err != nil {
		return fmt.Errorf("failed to unmarshal response value: %w", err)
	}
	return nil
}

func (v *VSphere) headers(s *Session) client.HTTPHeader {
	h := client.HTTPHeader{}
	if s != nil {
		h.SessionToken(SessionHeader, s.Token)
	}
	return h
}

func (v *VSphere) url(parts ...string) string {
	return joinURL(v.endpoint.URL, parts...)
}
