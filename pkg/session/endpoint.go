package session

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/OpenCHAMI/upsmon/pkg/client"
)

// Endpoint kinds.
const (
	KindVSphere = "vsphere"
	KindRedfish = "redfish"
	KindLibvirt = "libvirt"
)

// vSphere API flavours.
const (
	APILegacy  = "legacy"
	APICurrent = "current"
)

// VM and host shutdown actions.
const (
	ActionPowerStop     = "power-stop"
	ActionGuestShutdown = "guest-shutdown"
	ActionDelete        = "delete"
)

// Paths are resource paths relative to the endpoint URL.
type Paths struct {
	Session string `mapstructure:"session"`
	Host    string `mapstructure:"host"`
	VM      string `mapstructure:"vm"`
}

// Endpoint is the static configuration of one management server.
type Endpoint struct {
	Name          string `mapstructure:"name"`
	Kind          string `mapstructure:"kind"`
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	API           string `mapstructure:"api"`
	Paths         Paths  `mapstructure:"paths"`
	VMAction      string `mapstructure:"vm-action"`
	HostAction    string `mapstructure:"host-action"`
	ShutdownHosts bool   `mapstructure:"shutdown-hosts"`
	VerifyTLS     bool   `mapstructure:"verify-tls"`
	CACert        string `mapstructure:"cacert"`
}

// DisplayName is the endpoint name, or its URL when no name was set.
func (ep Endpoint) DisplayName() string {
	if ep.Name != "" {
		return ep.Name
	}
	return ep.URL
}

// WithDefaults fills in the kind, API flavour, actions and paths that were
// left empty.
func (ep Endpoint) WithDefaults() Endpoint {
	if ep.Kind == "" {
		ep.Kind = KindVSphere
	}
	if ep.Kind == KindRedfish && ep.HostAction == "" {
		ep.HostAction = ActionGuestShutdown
	}
	if ep.Kind == KindLibvirt && ep.VMAction == "" {
		ep.VMAction = ActionGuestShutdown
	}
	if ep.Kind != KindVSphere {
		return ep
	}
	if ep.API == "" {
		ep.API = APILegacy
	}
	if ep.VMAction == "" {
		ep.VMAction = ActionPowerStop
	}
	if ep.HostAction == "" {
		ep.HostAction = ActionDelete
	}
	defaults := legacyPaths
	if ep.API == APICurrent {
		defaults = currentPaths
	}
	if ep.Paths.Session == "" {
		ep.Paths.Session = defaults.Session
	}
	if ep.Paths.Host == "" {
		ep.Paths.Host = defaults.Host
	}
	if ep.Paths.VM == "" {
		ep.Paths.VM = defaults.VM
	}
	return ep
}

func (ep Endpoint) Validate() error {
	ep = ep.WithDefaults()
	if ep.URL == "" {
		return fmt.Errorf("endpoint %s: no URL set", ep.DisplayName())
	}
	switch ep.Kind {
	case KindVSphere:
		if ep.API != APILegacy && ep.API != APICurrent {
			return fmt.Errorf("endpoint %s: unknown API %q (legacy|current)", ep.DisplayName(), ep.API)
		}
		switch ep.VMAction {
		case ActionPowerStop, ActionGuestShutdown, ActionDelete:
		default:
			return fmt.Errorf("endpoint %s: unknown vm-action %q", ep.DisplayName(), ep.VMAction)
		}
		switch ep.HostAction {
		case ActionPowerStop, ActionDelete:
		default:
			return fmt.Errorf("endpoint %s: unknown host-action %q", ep.DisplayName(), ep.HostAction)
		}
	case KindRedfish:
		if !ep.ShutdownHosts {
			return fmt.Errorf("endpoint %s: redfish endpoints only manage hosts; set shutdown-hosts", ep.DisplayName())
		}
		if ep.HostAction != ActionGuestShutdown && ep.HostAction != ActionPowerStop {
			return fmt.Errorf("endpoint %s: unknown host-action %q", ep.DisplayName(), ep.HostAction)
		}
	case KindLibvirt:
		if ep.ShutdownHosts {
			return fmt.Errorf("endpoint %s: libvirt endpoints cannot shut down hosts", ep.DisplayName())
		}
		if ep.VMAction != ActionGuestShutdown && ep.VMAction != ActionPowerStop {
			return fmt.Errorf("endpoint %s: unknown vm-action %q", ep.DisplayName(), ep.VMAction)
		}
	default:
		return fmt.Errorf("endpoint %s: unknown kind %q", ep.DisplayName(), ep.Kind)
	}
	return nil
}

// NewClient builds the client matching the endpoint kind. timeout bounds
// every network call made through it.
func NewClient(ep Endpoint, timeout time.Duration) (Client, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	ep = ep.WithDefaults()
	httpClient := client.NewHTTPClient(client.Options{
		Timeout:  timeout,
		Insecure: !ep.VerifyTLS && ep.CACert == "",
		CACert:   ep.CACert,
	})
	switch ep.Kind {
	case KindRedfish:
		return NewRedfish(ep, httpClient), nil
	case KindLibvirt:
		return NewLibvirt(ep, timeout), nil
	default:
		return NewVSphere(ep, httpClient), nil
	}
}

func joinURL(base string, parts ...string) string {
	out := strings.TrimSuffix(base, "/")
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		out += "/" + p
	}
	return out
}

// ensure an http client is always present
func orDefault(c *http.Client) *http.Client {
	if c == nil {
		return client.NewHTTPClient(client.Options{Insecure: true})
	}
	return c
}
