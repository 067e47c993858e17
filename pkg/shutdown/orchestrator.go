package shutdown

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/OpenCHAMI/upsmon/internal/util"
	"github.com/OpenCHAMI/upsmon/pkg/journal"
	"github.com/OpenCHAMI/upsmon/pkg/notify"
	"github.com/OpenCHAMI/upsmon/pkg/session"
	"github.com/OpenCHAMI/upsmon/pkg/ups"
	"github.com/cznic/mathutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultVMWaitTimeout  = 5 * time.Minute
	DefaultVMWaitInterval = 5 * time.Second

	// Logout still runs after the pass context is cancelled.
	logoutTimeout = 10 * time.Second
)

// Target is one configured management endpoint.
type Target struct {
	Client        session.Client
	ShutdownHosts bool
}

type Orchestrator struct {
	Predicate   Predicate
	Targets     []Target
	Delay       DelayList
	Notifier    notify.Notifier
	Journal     journal.Recorder
	Concurrency int
	DryRun      bool

	// bounds the wait for VMs to power off before hosts are shut down
	VMWaitTimeout  time.Duration
	VMWaitInterval time.Duration
}

// EndpointReport is what happened on one endpoint during a pass.
type EndpointReport struct {
	Endpoint      string
	VMsShutdown   []string
	HostsShutdown []string
	Abandoned     bool
	Errors        []error
}

type Report struct {
	PassID    string
	UPS       string
	Triggered bool
	Endpoints []EndpointReport
}

func (r Report) Errors() []error {
	var errs []error
	for _, ep := range r.Endpoints {
		errs = append(errs, ep.Errors...)
	}
	return errs
}

// Evaluate checks the power-loss predicate and runs a shutdown pass when it
// holds. When it does not, no network call is made at all.
func (o *Orchestrator) Evaluate(ctx context.Context, upsName string, status ups.Status) Report {
	if !o.Predicate.Holds(status) {
		log.Debug().Str("ups", upsName).Str("trigger", o.Predicate.Mode).Msg("power-loss condition not met")
		return Report{UPS: upsName}
	}
	return o.Shutdown(ctx, upsName)
}

// Shutdown runs one shutdown pass over every target. Targets are
// independent: a failure on one never stops the others.
func (o *Orchestrator) Shutdown(ctx context.Context, upsName string) Report {
	p := &pass{o: o, id: uuid.NewString(), ups: upsName}
	report := Report{PassID: p.id, UPS: upsName, Triggered: true}

	log.Warn().Str("ups", upsName).Str("pass", p.id).Int("endpoints", len(o.Targets)).
		Strs("delayed_vms", o.Delay.VMs()).Strs("delayed_hosts", o.Delay.Hosts()).
		Bool("dry_run", o.DryRun).Msg("power-loss condition met; starting shutdown")
	p.notify(ctx, fmt.Sprintf("UPS %s power low; shutting down servers", upsName))

	report.Endpoints = make([]EndpointReport, len(o.Targets))
	concurrency := o.Concurrency
	if concurrency <= 1 || len(o.Targets) <= 1 {
		for i, t := range o.Targets {
			report.Endpoints[i] = p.endpoint(ctx, t)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(mathutil.Clamp(concurrency, 1, len(o.Targets)))
		for i, t := range o.Targets {
			g.Go(func() error {
				report.Endpoints[i] = p.endpoint(ctx, t)
				return nil
			})
		}
		_ = g.Wait()
	}

	errs := report.Errors()
	if util.HasErrors(errs) {
		summary := util.FormatErrorList(errs)
		log.Error().Str("ups", upsName).Str("pass", p.id).Int("errors", len(errs)).Msgf("shutdown pass finished with errors:\n%v", summary)
		p.notify(ctx, fmt.Sprintf("UPS %s shutdown finished with %d error(s):\n%v", upsName, len(errs), summary))
	} else {
		log.Info().Str("ups", upsName).Str("pass", p.id).Msg("shutdown pass finished")
	}
	return report
}

// pass carries the per-pass identity shared by all endpoint sequences.
type pass struct {
	o   *Orchestrator
	id  string
	ups string

	mu sync.Mutex // serialises journal writes from parallel endpoints
}

func (p *pass) endpoint(ctx context.Context, t Target) (rep EndpointReport) {
	c := t.Client
	rep.Endpoint = c.Name()
	logger := log.With().Str("pass", p.id).Str("endpoint", rep.Endpoint).Logger()

	s, err := c.Login(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to log in; abandoning endpoint")
		p.record(rep.Endpoint, "login", "", err)
		rep.fail(err)
		rep.Abandoned = true
		return rep
	}
	p.record(rep.Endpoint, "login", "", nil)

	defer func() {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		defer cancel()
		if err := c.Logout(lctx, s); err != nil {
			logger.Warn().Err(err).Msg("failed to log out")
			p.record(rep.Endpoint, "logout", "", err)
			return
		}
		p.record(rep.Endpoint, "logout", "", nil)
	}()

	vms, err := c.ListVMs(ctx, s)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list VMs; abandoning endpoint")
		p.record(rep.Endpoint, "list-vms", "", err)
		rep.fail(err)
		rep.Abandoned = true
		return rep
	}

	var immediate, delayed []session.VMRef
	for _, vm := range vms {
		if p.o.Delay.VMDelayed(vm.Name) {
			delayed = append(delayed, vm)
			continue
		}
		immediate = append(immediate, vm)
	}

	for _, vm := range immediate {
		if !vm.PoweredOn() {
			logger.Debug().Str("vm", vm.Name).Str("power_state", vm.PowerState).Msg("VM not powered on; skipping")
			p.recordOutcome(rep.Endpoint, "shutdown-vm", vm.Name, journal.OutcomeSkipped, "")
			continue
		}
		p.shutdownVM(ctx, c, s, vm, &rep)
	}
	// delayed VMs are shut down whatever state they report
	for _, vm := range delayed {
		p.shutdownVM(ctx, c, s, vm, &rep)
	}

	if !t.ShutdownHosts {
		return rep
	}

	if err := p.waitForVMs(ctx, c, s); err != nil {
		logger.Error().Err(err).Msg("VMs did not power off; not shutting down hosts")
		p.record(rep.Endpoint, "wait-vms", "", err)
		rep.fail(err)
		rep.Abandoned = true
		return rep
	}

	hosts, err := c.ListHosts(ctx, s)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list hosts; abandoning endpoint")
		p.record(rep.Endpoint, "list-hosts", "", err)
		rep.fail(err)
		rep.Abandoned = true
		return rep
	}

	var delayedHosts []session.HostRef
	for _, host := range hosts {
		if p.o.Delay.HostDelayed(host.Name) {
			delayedHosts = append(delayedHosts, host)
			continue
		}
		p.shutdownHost(ctx, c, s, host, &rep)
	}
	for _, host := range delayedHosts {
		p.shutdownHost(ctx, c, s, host, &rep)
	}
	return rep
}

func (p *pass) shutdownVM(ctx context.Context, c session.Client, s *session.Session, vm session.VMRef, rep *EndpointReport) {
	if p.o.DryRun {
		log.Info().Str("pass", p.id).Str("endpoint", rep.Endpoint).Str("vm", vm.Name).Msg("dry run: would shut down VM")
		p.recordOutcome(rep.Endpoint, "shutdown-vm", vm.Name, journal.OutcomeDryRun, "")
		return
	}
	if err := c.ShutdownVM(ctx, s, vm); err != nil {
		log.Error().Err(err).Str("pass", p.id).Str("endpoint", rep.Endpoint).Str("vm", vm.Name).Msg("failed to shut down VM")
		p.record(rep.Endpoint, "shutdown-vm", vm.Name, err)
		rep.fail(err)
		return
	}
	log.Info().Str("pass", p.id).Str("endpoint", rep.Endpoint).Str("vm", vm.Name).Msg("shut down VM")
	p.record(rep.Endpoint, "shutdown-vm", vm.Name, nil)
	rep.VMsShutdown = append(rep.VMsShutdown, vm.Name)
}

func (p *pass) shutdownHost(ctx context.Context, c session.Client, s *session.Session, host session.HostRef, rep *EndpointReport) {
	if p.o.DryRun {
		log.Info().Str("pass", p.id).Str("endpoint", rep.Endpoint).Str("host", host.Name).Msg("dry run: would shut down host")
		p.recordOutcome(rep.Endpoint, "shutdown-host", host.Name, journal.OutcomeDryRun, "")
		return
	}
	if err := c.ShutdownHost(ctx, s, host); err != nil {
		log.Error().Err(err).Str("pass", p.id).Str("endpoint", rep.Endpoint).Str("host", host.Name).Msg("failed to shut down host")
		p.record(rep.Endpoint, "shutdown-host", host.Name, err)
		rep.fail(err)
		return
	}
	log.Info().Str("pass", p.id).Str("endpoint", rep.Endpoint).Str("host", host.Name).Msg("shut down host")
	p.record(rep.Endpoint, "shutdown-host", host.Name, nil)
	rep.HostsShutdown = append(rep.HostsShutdown, host.Name)
}

// waitForVMs polls the VM list until no non-delayed VM reports powered
// on. Shutdown calls return before the VM is actually off.
func (p *pass) waitForVMs(ctx context.Context, c session.Client, s *session.Session) error {
	if p.o.DryRun {
		return nil
	}
	timeout := p.o.VMWaitTimeout
	if timeout <= 0 {
		timeout = DefaultVMWaitTimeout
	}
	interval := p.o.VMWaitInterval
	if interval <= 0 {
		interval = DefaultVMWaitInterval
	}
	deadline := time.Now().Add(timeout)

	for {
		vms, err := c.ListVMs(ctx, s)
		if err != nil {
			return err
		}
		var running []string
		for _, vm := range vms {
			if vm.PoweredOn() && !p.o.Delay.VMDelayed(vm.Name) {
				running = append(running, vm.Name)
			}
		}
		if len(running) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return &session.EndpointError{
				Endpoint: c.Name(),
				Op:       "confirm VMs are powered off",
				Err:      fmt.Errorf("still powered on after %v: %s", timeout, strings.Join(running, ", ")),
			}
		}
		log.Debug().Str("pass", p.id).Str("endpoint", c.Name()).Strs("running", running).Msg("waiting for VMs to power off")

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (p *pass) notify(ctx context.Context, message string) {
	n := p.o.Notifier
	if n == nil {
		return
	}
	if err := n.Notify(ctx, message); err != nil {
		log.Error().Err(err).Str("pass", p.id).Msg("failed to send notification")
		p.record("", "notify", "", err)
		return
	}
	p.record("", "notify", "", nil)
}

func (p *pass) record(endpoint, action, target string, err error) {
	if err != nil {
		p.recordOutcome(endpoint, action, target, journal.OutcomeFailed, err.Error())
		return
	}
	p.recordOutcome(endpoint, action, target, journal.OutcomeOK, "")
}

func (p *pass) recordOutcome(endpoint, action, target, outcome, errmsg string) {
	if p.o.Journal == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.o.Journal.Record(journal.Event{
		PassID:    p.id,
		Timestamp: time.Now(),
		UPS:       p.ups,
		Endpoint:  endpoint,
		Action:    action,
		Target:    target,
		Outcome:   outcome,
		Error:     errmsg,
	})
	if err != nil {
		log.Warn().Err(err).Str("pass", p.id).Msg("failed to record journal event")
	}
}

func (rep *EndpointReport) fail(err error) {
	rep.Errors = append(rep.Errors, err)
}

