package upsmon

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OpenCHAMI/upsmon/internal/config"
	"github.com/OpenCHAMI/upsmon/pkg/metrics"
	"github.com/OpenCHAMI/upsmon/pkg/notify"
	"github.com/OpenCHAMI/upsmon/pkg/session"
	"github.com/OpenCHAMI/upsmon/pkg/shutdown"
	"github.com/OpenCHAMI/upsmon/pkg/ups"
)

type frameSource []byte

func (f frameSource) Status(ctx context.Context) (ups.Status, error) {
	return ups.Decode(f)
}

type errSource struct{ err error }

func (e errSource) Status(ctx context.Context) (ups.Status, error) {
	return ups.Status{}, e.err
}

type recordingWriter struct {
	mu    sync.Mutex
	names []string
}

func (w *recordingWriter) Write(name string, status ups.Status, t time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.names = append(w.names, name)
	return nil
}

// countingClient counts logins; it has nothing to shut down.
type countingClient struct {
	logins int
}

func (c *countingClient) Name() string { return "vc" }
func (c *countingClient) Login(ctx context.Context) (*session.Session, error) {
	c.logins++
	return &session.Session{Endpoint: "vc"}, nil
}
func (c *countingClient) Logout(ctx context.Context, s *session.Session) error { return nil }
func (c *countingClient) ListVMs(ctx context.Context, s *session.Session) ([]session.VMRef, error) {
	return nil, nil
}
func (c *countingClient) ListHosts(ctx context.Context, s *session.Session) ([]session.HostRef, error) {
	return nil, nil
}
func (c *countingClient) ShutdownVM(ctx context.Context, s *session.Session, vm session.VMRef) error {
	return nil
}
func (c *countingClient) ShutdownHost(ctx context.Context, s *session.Session, host session.HostRef) error {
	return nil
}

const (
	onMains      = "(208.4 140.0 208.4 034 59.9 2.05 35.0 00000000\r"
	onBatteryLow = "(000.0 000.0 208.4 034 59.9 1.80 35.0 11000000\r"
)

func TestPollOnce(t *testing.T) {
	var out bytes.Buffer
	influx := &recordingWriter{}
	vc := &countingClient{}
	params := &PollParams{
		Sources: []Source{
			{Name: "garbled", Reader: frameSource("208.4 140.0\r")},
			{Name: "silent", Reader: errSource{ups.ErrNoResponse}},
			{Name: "rack-a", Reader: frameSource(onMains)},
			{Name: "rack-b", Reader: frameSource(onBatteryLow)},
		},
		Emitter: metrics.NewEmitter(&out),
		Influx:  influx,
		Orchestrator: &shutdown.Orchestrator{
			Predicate: shutdown.Predicate{Mode: shutdown.ModeLowBattery},
			Targets:   []shutdown.Target{{Client: vc}},
			Notifier:  notify.Discard{},
		},
		Evaluate: true,
	}

	results := PollOnce(context.Background(), params)
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}

	var malformed *ups.MalformedResponseError
	if !errors.As(results[0].Err, &malformed) {
		t.Errorf("expected a malformed response for the garbled UPS, got %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, ups.ErrNoResponse) {
		t.Errorf("expected no response from the silent UPS, got %v", results[1].Err)
	}
	if results[2].Report != nil {
		t.Error("expected no shutdown for a UPS on mains")
	}
	if results[3].Report == nil || !results[3].Report.Triggered {
		t.Error("expected a shutdown for a UPS on battery with a low battery")
	}
	if vc.logins != 1 {
		t.Errorf("expected exactly one shutdown pass, got %d logins", vc.logins)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 status lines, got %q", out.String())
	}
	if !strings.HasPrefix(lines[0], "upses,name=rack-a ") || !strings.HasPrefix(lines[1], "upses,name=rack-b ") {
		t.Errorf("unexpected status lines: %v", lines)
	}
	if strings.Join(influx.names, ",") != "rack-a,rack-b" {
		t.Errorf("expected both statuses to reach InfluxDB, got %v", influx.names)
	}
}

func TestPollOnceWithoutEvaluate(t *testing.T) {
	var out bytes.Buffer
	vc := &countingClient{}
	params := &PollParams{
		Sources: []Source{{Name: "rack-b", Reader: frameSource(onBatteryLow)}},
		Emitter: metrics.NewEmitter(&out),
		Orchestrator: &shutdown.Orchestrator{
			Predicate: shutdown.Predicate{Mode: shutdown.ModeLowBattery},
			Targets:   []shutdown.Target{{Client: vc}},
		},
	}

	results := PollOnce(context.Background(), params)
	if results[0].Report != nil || vc.logins != 0 {
		t.Error("expected no shutdown when only reading status")
	}
	if !strings.Contains(out.String(), "utility_fail=true") {
		t.Errorf("expected the status line to be emitted, got %q", out.String())
	}
}

func TestNewRuntime(t *testing.T) {
	cfg := &config.Config{
		UPSes:   []config.UPS{{Device: "/dev/ttyUSB0", Name: "rack-a"}},
		Trigger: shutdown.ModeOnBattery,
		Endpoints: []session.Endpoint{
			(session.Endpoint{Name: "vc", URL: "https://vcenter.example.com"}).WithDefaults(),
		},
		Notify:      config.Notify{Webhook: "https://chat.example.com/hooks/ups"},
		Journal:     filepath.Join(t.TempDir(), "events.db"),
		Timeout:     5,
		Concurrency: 2,
		Serial:      config.Serial{ReadTimeout: 2 * time.Second},
	}

	rt, err := NewRuntime(cfg, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("failed to build runtime: %v", err)
	}
	defer rt.Close()

	if len(rt.Params.Sources) != 1 || rt.Params.Sources[0].Name != "rack-a" {
		t.Errorf("unexpected sources: %+v", rt.Params.Sources)
	}
	d, ok := rt.Params.Sources[0].Reader.(*ups.Device)
	if !ok || d.ReadTimeout != 2*time.Second || d.BaudRate != ups.DefaultBaudRate {
		t.Errorf("unexpected device: %+v", rt.Params.Sources[0].Reader)
	}
	o := rt.Params.Orchestrator
	if o.Predicate.Mode != shutdown.ModeOnBattery || len(o.Targets) != 1 || o.Concurrency != 2 {
		t.Errorf("unexpected orchestrator: %+v", o)
	}
	if o.Journal == nil || rt.Journal == nil {
		t.Error("expected the journal to be wired into the orchestrator")
	}
	if _, ok := o.Notifier.(notify.Multi); !ok {
		t.Errorf("expected a webhook notifier, got %T", o.Notifier)
	}
	if rt.Params.Influx != nil {
		t.Error("expected no InfluxDB writer without a URL")
	}
}
