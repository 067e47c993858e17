package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OpenCHAMI/upsmon/pkg/journal"
	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwt"
)

type staticLines map[string]string

func (s staticLines) Last() map[string]string { return s }

type fakeHistory struct {
	events []journal.Event
	err    error
	limit  int
}

func (h *fakeHistory) List(limit int) ([]journal.Event, error) {
	h.limit = limit
	return h.events, h.err
}

func get(t *testing.T, srv *httptest.Server, path string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request to %s failed: %v", path, err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	return res, string(b)
}

func signToken(t *testing.T, key []byte, expiry time.Time) string {
	t.Helper()
	token := jwt.New()
	if err := token.Set(jwt.SubjectKey, "operator"); err != nil {
		t.Fatal(err)
	}
	if err := token.Set(jwt.ExpirationKey, expiry); err != nil {
		t.Fatal(err)
	}
	signed, err := jwt.Sign(token, jwa.HS256, key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return string(signed)
}

func TestStatusAndHistory(t *testing.T) {
	lines := staticLines{
		"rack-b": "upses,name=rack-b utility_fail=true",
		"rack-a": "upses,name=rack-a utility_fail=false",
	}
	history := &fakeHistory{events: []journal.Event{{PassID: "p1", Action: "shutdown-vm", Target: "web", Outcome: journal.OutcomeOK}}}
	s := New(Config{}, func(context.Context) {}, lines, history)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	res, body := get(t, srv, "/status", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if body != lines["rack-a"]+"\n"+lines["rack-b"]+"\n" {
		t.Errorf("expected sorted status lines, got %q", body)
	}

	_, body = get(t, srv, "/status", http.Header{"Accept": {"application/json"}})
	var decoded map[string]string
	if err := json.Unmarshal([]byte(body), &decoded); err != nil || decoded["rack-a"] != lines["rack-a"] {
		t.Errorf("expected JSON status, got %q (%v)", body, err)
	}

	res, body = get(t, srv, "/history?limit=5", nil)
	if res.StatusCode != http.StatusOK || history.limit != 5 {
		t.Fatalf("expected 200 with limit 5, got %d with limit %d", res.StatusCode, history.limit)
	}
	var events []journal.Event
	if err := json.Unmarshal([]byte(body), &events); err != nil || len(events) != 1 || events[0].Target != "web" {
		t.Errorf("unexpected history: %q (%v)", body, err)
	}

	if res, _ := get(t, srv, "/history?limit=lots", nil); res.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad limit, got %d", res.StatusCode)
	}

	history.err = errors.New("database is locked")
	if res, _ := get(t, srv, "/history", nil); res.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500 when the journal fails, got %d", res.StatusCode)
	}
	if history.limit != defaultHistoryLimit {
		t.Errorf("expected the default limit, got %d", history.limit)
	}
}

func TestHistoryDisabled(t *testing.T) {
	srv := httptest.NewServer(New(Config{}, func(context.Context) {}, staticLines{}, nil).Router())
	defer srv.Close()
	if res, _ := get(t, srv, "/history", nil); res.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 without a journal, got %d", res.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	s := New(Config{TokenKey: key}, func(context.Context) {}, staticLines{}, &fakeHistory{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	if res, _ := get(t, srv, "/healthz", nil); res.StatusCode != http.StatusOK {
		t.Errorf("expected /healthz to be open, got %d", res.StatusCode)
	}
	if res, _ := get(t, srv, "/status", nil); res.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", res.StatusCode)
	}

	valid := signToken(t, key, time.Now().Add(time.Hour))
	if res, _ := get(t, srv, "/status", http.Header{"Authorization": {"Bearer " + valid}}); res.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with a valid token, got %d", res.StatusCode)
	}

	expired := signToken(t, key, time.Now().Add(-time.Hour))
	if res, _ := get(t, srv, "/status", http.Header{"Authorization": {"Bearer " + expired}}); res.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with an expired token, got %d", res.StatusCode)
	}

	forged := signToken(t, []byte("another-key-another-key-another!"), time.Now().Add(time.Hour))
	if res, _ := get(t, srv, "/history", http.Header{"Authorization": {"Bearer " + forged}}); res.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with a token signed by another key, got %d", res.StatusCode)
	}
}

func TestRunPollsUntilCancelled(t *testing.T) {
	var polls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{Listen: "127.0.0.1:0", Interval: 5 * time.Millisecond}, func(context.Context) {
		if polls.Add(1) == 3 {
			cancel()
		}
	}, staticLines{}, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected a clean stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}
	if polls.Load() < 3 {
		t.Errorf("expected at least 3 polls, got %d", polls.Load())
	}

	srv := httptest.NewServer(s.Router())
	defer srv.Close()
	_, body := get(t, srv, "/healthz", nil)
	if !strings.Contains(body, `"polls":3`) {
		t.Errorf("expected health to report 3 polls, got %s", body)
	}
}

func TestRunWaitsForPollWhenListenFails(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	var finished atomic.Bool
	started := make(chan struct{})
	s := New(Config{Listen: taken.Addr().String(), Interval: time.Hour}, func(ctx context.Context) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
	}, staticLines{}, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error for an address in use")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after the server failed")
	}
	// Run has returned, so the loop has exited and started can no longer change
	select {
	case <-started:
		if !finished.Load() {
			t.Error("expected the running poll to finish before Run returned")
		}
	default:
	}
}
