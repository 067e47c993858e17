// Package config holds the static configuration loaded once at process
// start. Values come from the config file, environment and CLI flags in
// viper's usual precedence and are unmarshalled into Config.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/OpenCHAMI/upsmon/internal/url"
	"github.com/OpenCHAMI/upsmon/internal/util"
	"github.com/OpenCHAMI/upsmon/pkg/metrics"
	"github.com/OpenCHAMI/upsmon/pkg/notify"
	"github.com/OpenCHAMI/upsmon/pkg/secrets"
	"github.com/OpenCHAMI/upsmon/pkg/session"
	"github.com/OpenCHAMI/upsmon/pkg/shutdown"
	"github.com/OpenCHAMI/upsmon/pkg/ups"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// UPS is one serial device and the name its status is reported under.
type UPS struct {
	Device string `mapstructure:"device"`
	Name   string `mapstructure:"name"`
}

type Serial struct {
	BaudRate    int           `mapstructure:"baud"`
	ReadTimeout time.Duration `mapstructure:"read-timeout"`
}

type Delay struct {
	VMs   []string `mapstructure:"vms"`
	Hosts []string `mapstructure:"hosts"`
}

type Notify struct {
	Webhook string             `mapstructure:"webhook"`
	AMQP    notify.QueueConfig `mapstructure:"amqp"`
}

type VMWait struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval time.Duration `mapstructure:"interval"`
}

type Daemon struct {
	Interval     time.Duration `mapstructure:"interval"`
	Listen       string        `mapstructure:"listen"`
	TokenKey     string        `mapstructure:"token-key"`
	TokenKeyFile string        `mapstructure:"token-key-file"`
}

type Secrets struct {
	File string `mapstructure:"file"`
}

type Config struct {
	UPSes       []UPS                `mapstructure:"upses"`
	Serial      Serial               `mapstructure:"serial"`
	Trigger     string               `mapstructure:"trigger"`
	Endpoints   []session.Endpoint   `mapstructure:"endpoints"`
	Delay       Delay                `mapstructure:"delay"`
	Notify      Notify               `mapstructure:"notify"`
	Influx      metrics.InfluxConfig `mapstructure:"influx"`
	Journal     string               `mapstructure:"journal"`
	Timeout     int                  `mapstructure:"timeout"`
	Concurrency int                  `mapstructure:"concurrency"`
	DryRun      bool                 `mapstructure:"dry-run"`
	VMWait      VMWait               `mapstructure:"vm-wait"`
	Daemon      Daemon               `mapstructure:"daemon"`
	Secrets     Secrets              `mapstructure:"secrets"`
}

// SetDefaults() registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("serial.baud", ups.DefaultBaudRate)
	v.SetDefault("serial.read-timeout", ups.DefaultReadTimeout)
	v.SetDefault("trigger", shutdown.ModeLowBattery)
	v.SetDefault("journal", filepath.Join(util.StateDir(), "events.db"))
	v.SetDefault("timeout", 30)
	v.SetDefault("concurrency", 1)
	v.SetDefault("dry-run", false)
	v.SetDefault("vm-wait.timeout", shutdown.DefaultVMWaitTimeout)
	v.SetDefault("vm-wait.interval", shutdown.DefaultVMWaitInterval)
	v.SetDefault("daemon.interval", 30*time.Second)
	v.SetDefault("daemon.listen", "localhost:9180")
	v.SetDefault("secrets.file", filepath.Join(util.ConfigDir(), "secrets.json"))
	v.SetDefault("influx.timeout", 10*time.Second)
}

// LoadFile() will load a config file at the specified path into v. There
// are intentionally no search paths set here, so the path has to be set
// explicitly; parameters passed as CLI flags and environment variables
// still have precedence over values set in the file.
func LoadFile(v *viper.Viper, path string) error {
	dir, filename, ext := util.SplitPathForViper(path)
	v.AddConfigPath(dir)
	v.SetConfigName(filename)
	if ext != "" {
		v.SetConfigType(ext)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return fmt.Errorf("config file not found: %w", err)
		}
		return fmt.Errorf("failed to load config file: %w", err)
	}
	return nil
}

// Load unmarshals v into a Config, fills in defaults and validates it.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	for i, u := range cfg.UPSes {
		if u.Name == "" {
			cfg.UPSes[i].Name = filepath.Base(u.Device)
		}
	}
	for i, ep := range cfg.Endpoints {
		ep = ep.WithDefaults()
		// libvirt URIs may legitimately have no host (qemu:///system)
		if ep.Kind != session.KindLibvirt && ep.URL != "" {
			u, err := url.Sanitize(ep.URL, "https")
			if err != nil {
				return nil, fmt.Errorf("endpoint %s: %w", ep.DisplayName(), err)
			}
			ep.URL = u
		}
		cfg.Endpoints[i] = ep
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate collects every problem with the config rather than stopping
// at the first one.
func (c *Config) Validate() error {
	var errs []error

	seen := map[string]bool{}
	for i, u := range c.UPSes {
		if u.Device == "" {
			errs = append(errs, fmt.Errorf("upses[%d]: no device set", i))
		}
		if seen[u.Name] {
			errs = append(errs, fmt.Errorf("upses[%d]: duplicate name %q", i, u.Name))
		}
		seen[u.Name] = true
	}

	if _, err := shutdown.NewPredicate(c.Trigger); err != nil {
		errs = append(errs, err)
	}

	seen = map[string]bool{}
	for _, ep := range c.Endpoints {
		if err := ep.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[ep.DisplayName()] {
			errs = append(errs, fmt.Errorf("endpoint %s: duplicate name", ep.DisplayName()))
		}
		seen[ep.DisplayName()] = true
	}

	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %d", c.Timeout))
	}
	if c.Daemon.Interval <= 0 {
		errs = append(errs, fmt.Errorf("daemon.interval must be positive, got %v", c.Daemon.Interval))
	}

	if util.HasErrors(errs) {
		return fmt.Errorf("invalid config:\n%w", util.FormatErrorList(errs))
	}
	return nil
}

// RequestTimeout is the per-request timeout for management endpoints.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// ResolveCredentials fills in usernames and passwords that the config
// leaves empty from store. An endpoint's own entry is tried first, then
// the default entry. Values set in the config are never overridden.
func (c *Config) ResolveCredentials(store secrets.Store) {
	if store == nil {
		return
	}
	for i, ep := range c.Endpoints {
		if ep.Kind == session.KindLibvirt || (ep.Username != "" && ep.Password != "") {
			continue
		}
		creds, err := store.Get(ep.DisplayName())
		if err != nil {
			var notFound *secrets.ErrNotFound
			if !errors.As(err, &notFound) {
				log.Warn().Err(err).Str("endpoint", ep.DisplayName()).Msg("failed to read stored credentials")
			}
			creds, err = store.Get(secrets.DefaultEndpoint)
			if err != nil {
				log.Warn().Str("endpoint", ep.DisplayName()).Msg("no stored credentials found; using config values")
				continue
			}
			log.Debug().Str("endpoint", ep.DisplayName()).Msg("using default credentials")
		}
		if ep.Username == "" {
			c.Endpoints[i].Username = creds.Username
		}
		if ep.Password == "" {
			c.Endpoints[i].Password = creds.Password
		}
	}
}

// NeedsCredentials reports whether any endpoint is missing a username or
// password in the config itself.
func (c *Config) NeedsCredentials() bool {
	for _, ep := range c.Endpoints {
		if ep.Kind != session.KindLibvirt && (ep.Username == "" || ep.Password == "") {
			return true
		}
	}
	return false
}
