package shutdown

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OpenCHAMI/upsmon/pkg/journal"
	"github.com/OpenCHAMI/upsmon/pkg/session"
	"github.com/OpenCHAMI/upsmon/pkg/ups"
)

// fakeClient records every call made against it in order.
type fakeClient struct {
	name string

	vms   []session.VMRef
	hosts []session.HostRef

	loginErr     error
	listErr      error
	listHostsErr error
	failVMs    map[string]bool
	failHosts  map[string]bool
	stopOnCall bool // flips VMs to powered off once shut down

	mu    sync.Mutex
	calls []string
}

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Login(ctx context.Context) (*session.Session, error) {
	f.record("login")
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &session.Session{Endpoint: f.name, Token: "token"}, nil
}

func (f *fakeClient) Logout(ctx context.Context, s *session.Session) error {
	if ctx.Err() != nil {
		f.record("logout-cancelled")
		return ctx.Err()
	}
	f.record("logout")
	return nil
}

func (f *fakeClient) ListVMs(ctx context.Context, s *session.Session) ([]session.VMRef, error) {
	f.record("list-vms")
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.VMRef(nil), f.vms...), nil
}

func (f *fakeClient) ListHosts(ctx context.Context, s *session.Session) ([]session.HostRef, error) {
	f.record("list-hosts")
	if f.listHostsErr != nil {
		return nil, f.listHostsErr
	}
	return f.hosts, nil
}

func (f *fakeClient) ShutdownVM(ctx context.Context, s *session.Session, vm session.VMRef) error {
	f.record("vm:" + vm.Name)
	if f.failVMs[vm.Name] {
		return &session.ShutdownError{Endpoint: f.name, Kind: "VM", Target: vm.Name, StatusCode: 500}
	}
	if f.stopOnCall {
		f.mu.Lock()
		for i := range f.vms {
			if f.vms[i].Name == vm.Name {
				f.vms[i].PowerState = session.PoweredOff
			}
		}
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeClient) ShutdownHost(ctx context.Context, s *session.Session, host session.HostRef) error {
	f.record("host:" + host.Name)
	if f.failHosts[host.Name] {
		return &session.ShutdownError{Endpoint: f.name, Kind: "host", Target: host.Name, StatusCode: 500}
	}
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

type memJournal struct {
	mu     sync.Mutex
	events []journal.Event
}

func (j *memJournal) Record(events ...journal.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, events...)
	return nil
}

func vm(name, state string) session.VMRef {
	return session.VMRef{ID: name, Name: name, PowerState: state}
}

func equal(a, b []string) bool {
	return strings.Join(a, ",") == strings.Join(b, ",")
}

var onBatteryLow = ups.Status{UtilityFail: true, BatteryLow: true}

func TestEvaluateNoPowerLoss(t *testing.T) {
	fc := &fakeClient{name: "vc", vms: []session.VMRef{vm("web", session.PoweredOn)}}
	n := &fakeNotifier{}
	o := &Orchestrator{
		Predicate: Predicate{Mode: ModeLowBattery},
		Targets:   []Target{{Client: fc}},
		Notifier:  n,
	}

	for _, status := range []ups.Status{
		{},
		{UtilityFail: true},
		{BatteryLow: true},
	} {
		report := o.Evaluate(context.Background(), "rack-a", status)
		if report.Triggered {
			t.Errorf("expected no shutdown for %+v", status)
		}
	}
	if calls := fc.Calls(); len(calls) != 0 {
		t.Errorf("expected no endpoint calls, got %v", calls)
	}
	if len(n.messages) != 0 {
		t.Errorf("expected no notifications, got %v", n.messages)
	}
}

func TestEvaluateOnBatteryTrigger(t *testing.T) {
	fc := &fakeClient{name: "vc"}
	p, err := NewPredicate(ModeOnBattery)
	if err != nil {
		t.Fatal(err)
	}
	o := &Orchestrator{Predicate: p, Targets: []Target{{Client: fc}}}
	report := o.Evaluate(context.Background(), "rack-a", ups.Status{UtilityFail: true})
	if !report.Triggered {
		t.Fatal("expected a shutdown on utility failure alone")
	}
	if report.PassID == "" {
		t.Error("expected a pass ID")
	}
}

func TestShutdownOrder(t *testing.T) {
	fc := &fakeClient{
		name: "vc",
		vms: []session.VMRef{
			vm("vcenter", session.PoweredOn),
			vm("web", session.PoweredOn),
			vm("backup", session.PoweredOff),
			vm("storage", session.PoweredOff),
			vm("db", session.PoweredOn),
		},
	}
	n := &fakeNotifier{}
	j := &memJournal{}
	o := &Orchestrator{
		Predicate: Predicate{Mode: ModeLowBattery},
		Targets:   []Target{{Client: fc}},
		Delay:     NewDelayList([]string{"vcenter", "storage"}, nil),
		Notifier:  n,
		Journal:   j,
	}

	report := o.Evaluate(context.Background(), "rack-a", onBatteryLow)

	want := []string{"login", "list-vms", "vm:web", "vm:db", "vm:vcenter", "vm:storage", "logout"}
	if got := fc.Calls(); !equal(got, want) {
		t.Errorf("unexpected call order:\n got  %v\n want %v", got, want)
	}
	if errs := report.Errors(); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
	if len(n.messages) != 1 || n.messages[0] != "UPS rack-a power low; shutting down servers" {
		t.Errorf("unexpected notifications: %v", n.messages)
	}
	for _, e := range j.events {
		if e.PassID != report.PassID {
			t.Errorf("expected event to carry pass ID %s, got %+v", report.PassID, e)
		}
	}
}

func TestShutdownContinuesAfterFailure(t *testing.T) {
	fc := &fakeClient{
		name:    "vc",
		vms:     []session.VMRef{vm("web", session.PoweredOn), vm("db", session.PoweredOn), vm("mgmt", session.PoweredOn)},
		failVMs: map[string]bool{"web": true},
	}
	n := &fakeNotifier{}
	o := &Orchestrator{
		Predicate: Predicate{Mode: ModeLowBattery},
		Targets:   []Target{{Client: fc}},
		Delay:     NewDelayList([]string{"mgmt"}, nil),
		Notifier:  n,
	}

	report := o.Shutdown(context.Background(), "rack-a")

	want := []string{"login", "list-vms", "vm:web", "vm:db", "vm:mgmt", "logout"}
	if got := fc.Calls(); !equal(got, want) {
		t.Errorf("unexpected call order:\n got  %v\n want %v", got, want)
	}
	errs := report.Errors()
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	var shutdownErr *session.ShutdownError
	if !errors.As(errs[0], &shutdownErr) || shutdownErr.Target != "web" {
		t.Errorf("expected a shutdown error for web, got %v", errs[0])
	}
	if len(n.messages) != 2 {
		t.Fatalf("expected a start and a summary notification, got %v", n.messages)
	}
	if !strings.Contains(n.messages[1], "web") {
		t.Errorf("expected the summary to name the failed VM, got %q", n.messages[1])
	}
}

func TestShutdownEndpointsIndependent(t *testing.T) {
	broken := &fakeClient{name: "broken", loginErr: &session.AuthenticationError{Endpoint: "broken", StatusCode: 401}}
	flaky := &fakeClient{name: "flaky", listErr: errors.New("connection reset")}
	healthy := &fakeClient{name: "healthy", vms: []session.VMRef{vm("web", session.PoweredOn)}}

	o := &Orchestrator{
		Predicate: Predicate{Mode: ModeLowBattery},
		Targets:   []Target{{Client: broken}, {Client: flaky}, {Client: healthy}},
	}
	report := o.Shutdown(context.Background(), "rack-a")

	if got := broken.Calls(); !equal(got, []string{"login"}) {
		t.Errorf("expected only a login attempt on broken endpoint, got %v", got)
	}
	if got := flaky.Calls(); !equal(got, []string{"login", "list-vms", "logout"}) {
		t.Errorf("expected logout after list failure, got %v", got)
	}
	if got := healthy.Calls(); !equal(got, []string{"login", "list-vms", "vm:web", "logout"}) {
		t.Errorf("expected healthy endpoint to be shut down, got %v", got)
	}
	if len(report.Endpoints) != 3 {
		t.Fatalf("expected 3 endpoint reports, got %d", len(report.Endpoints))
	}
	var authErr *session.AuthenticationError
	if !report.Endpoints[0].Abandoned || !errors.As(report.Endpoints[0].Errors[0], &authErr) {
		t.Errorf("expected broken endpoint to be abandoned on authentication, got %+v", report.Endpoints[0])
	}
	if len(report.Errors()) != 2 {
		t.Errorf("expected 2 errors, got %v", report.Errors())
	}
}

func TestShutdownLogoutAfterCancel(t *testing.T) {
	fc := &fakeClient{name: "vc", vms: []session.VMRef{vm("web", session.PoweredOn)}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := &Orchestrator{Predicate: Predicate{Mode: ModeLowBattery}, Targets: []Target{{Client: fc}}}
	o.Shutdown(ctx, "rack-a")

	calls := fc.Calls()
	if calls[len(calls)-1] != "logout" {
		t.Errorf("expected logout to run despite a cancelled pass, got %v", calls)
	}
}

func TestShutdownHosts(t *testing.T) {
	fc := &fakeClient{
		name:       "vc",
		vms:        []session.VMRef{vm("web", session.PoweredOn), vm("mgmt", session.PoweredOn)},
		hosts:      []session.HostRef{{ID: "h1", Name: "esx-mgmt"}, {ID: "h2", Name: "esx-1"}, {ID: "h3", Name: "esx-2"}},
		stopOnCall: true,
	}
	o := &Orchestrator{
		Predicate:      Predicate{Mode: ModeLowBattery},
		Targets:        []Target{{Client: fc, ShutdownHosts: true}},
		Delay:          NewDelayList([]string{"mgmt"}, []string{"esx-mgmt"}),
		VMWaitTimeout:  time.Second,
		VMWaitInterval: time.Millisecond,
	}

	report := o.Shutdown(context.Background(), "rack-a")

	want := []string{
		"login", "list-vms", "vm:web", "vm:mgmt",
		"list-vms", "list-hosts", "host:esx-1", "host:esx-2", "host:esx-mgmt",
		"logout",
	}
	if got := fc.Calls(); !equal(got, want) {
		t.Errorf("unexpected call order:\n got  %v\n want %v", got, want)
	}
	if got := report.Endpoints[0].HostsShutdown; !equal(got, []string{"esx-1", "esx-2", "esx-mgmt"}) {
		t.Errorf("unexpected hosts shut down: %v", got)
	}
}

func TestShutdownHostListFailure(t *testing.T) {
	fc := &fakeClient{
		name:         "vc",
		vms:          []session.VMRef{vm("web", session.PoweredOn)},
		hosts:        []session.HostRef{{ID: "h1", Name: "esx-1"}},
		listHostsErr: &session.EndpointError{Endpoint: "vc", Op: "list hosts", StatusCode: 503},
		stopOnCall:   true,
	}
	o := &Orchestrator{
		Predicate:      Predicate{Mode: ModeLowBattery},
		Targets:        []Target{{Client: fc, ShutdownHosts: true}},
		VMWaitTimeout:  time.Second,
		VMWaitInterval: time.Millisecond,
	}

	report := o.Shutdown(context.Background(), "rack-a")

	want := []string{"login", "list-vms", "vm:web", "list-vms", "list-hosts", "logout"}
	if got := fc.Calls(); !equal(got, want) {
		t.Errorf("unexpected call order:\n got  %v\n want %v", got, want)
	}
	logouts := 0
	for _, call := range fc.Calls() {
		if call == "logout" {
			logouts++
		}
	}
	if logouts != 1 {
		t.Errorf("expected exactly one logout, got %d", logouts)
	}
	rep := report.Endpoints[0]
	var endpointErr *session.EndpointError
	if !rep.Abandoned || len(rep.Errors) != 1 || !errors.As(rep.Errors[0], &endpointErr) {
		t.Errorf("expected the endpoint to be abandoned on the host listing, got %+v", rep)
	}
}

func TestShutdownHostsGatedOnRunningVMs(t *testing.T) {
	// shutdown calls succeed but the VM never reports powered off
	fc := &fakeClient{
		name:  "vc",
		vms:   []session.VMRef{vm("stuck", session.PoweredOn)},
		hosts: []session.HostRef{{ID: "h1", Name: "esx-1"}},
	}
	o := &Orchestrator{
		Predicate:      Predicate{Mode: ModeLowBattery},
		Targets:        []Target{{Client: fc, ShutdownHosts: true}},
		VMWaitTimeout:  20 * time.Millisecond,
		VMWaitInterval: 5 * time.Millisecond,
	}

	report := o.Shutdown(context.Background(), "rack-a")

	for _, call := range fc.Calls() {
		if strings.HasPrefix(call, "host:") || call == "list-hosts" {
			t.Fatalf("expected no host calls while a VM is powered on, got %v", fc.Calls())
		}
	}
	calls := fc.Calls()
	if calls[len(calls)-1] != "logout" {
		t.Errorf("expected logout, got %v", calls)
	}
	var endpointErr *session.EndpointError
	errs := report.Errors()
	if len(errs) != 1 || !errors.As(errs[0], &endpointErr) {
		t.Errorf("expected an endpoint error from the VM wait, got %v", errs)
	}
}

func TestShutdownDryRun(t *testing.T) {
	fc := &fakeClient{
		name:  "vc",
		vms:   []session.VMRef{vm("web", session.PoweredOn), vm("mgmt", session.PoweredOn)},
		hosts: []session.HostRef{{ID: "h1", Name: "esx-1"}},
	}
	j := &memJournal{}
	o := &Orchestrator{
		Predicate: Predicate{Mode: ModeLowBattery},
		Targets:   []Target{{Client: fc, ShutdownHosts: true}},
		Delay:     NewDelayList([]string{"mgmt"}, nil),
		Journal:   j,
		DryRun:    true,
	}

	o.Shutdown(context.Background(), "rack-a")

	for _, call := range fc.Calls() {
		if strings.HasPrefix(call, "vm:") || strings.HasPrefix(call, "host:") {
			t.Fatalf("expected no shutdown calls in a dry run, got %v", fc.Calls())
		}
	}
	dry := 0
	for _, e := range j.events {
		if e.Outcome == journal.OutcomeDryRun {
			dry++
		}
	}
	if dry != 3 {
		t.Errorf("expected 3 dry-run events, got %d", dry)
	}
}

func TestShutdownParallel(t *testing.T) {
	var targets []Target
	var clients []*fakeClient
	for i := 0; i < 5; i++ {
		fc := &fakeClient{name: fmt.Sprintf("vc-%d", i), vms: []session.VMRef{vm("web", session.PoweredOn), vm("mgmt", session.PoweredOn)}}
		clients = append(clients, fc)
		targets = append(targets, Target{Client: fc})
	}
	o := &Orchestrator{
		Predicate:   Predicate{Mode: ModeLowBattery},
		Targets:     targets,
		Delay:       NewDelayList([]string{"mgmt"}, nil),
		Concurrency: 3,
	}

	report := o.Shutdown(context.Background(), "rack-a")

	for i, fc := range clients {
		want := []string{"login", "list-vms", "vm:web", "vm:mgmt", "logout"}
		if got := fc.Calls(); !equal(got, want) {
			t.Errorf("endpoint %d: unexpected call order %v", i, got)
		}
		if report.Endpoints[i].Endpoint != fc.name {
			t.Errorf("expected report %d for %s, got %s", i, fc.name, report.Endpoints[i].Endpoint)
		}
	}
}
