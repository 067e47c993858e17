package metrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/OpenCHAMI/upsmon/pkg/ups"
)

func sampleStatus(t *testing.T) ups.Status {
	t.Helper()
	status, err := ups.Decode([]byte("(227.0 227.0 227.0 020 50.0 13.5 30.0 00000000\r"))
	if err != nil {
		t.Fatalf("failed to decode sample frame: %v", err)
	}
	return status
}

func TestLine(t *testing.T) {
	line, err := Line("MyUPS", sampleStatus(t))
	if err != nil {
		t.Fatalf("failed to render line: %v", err)
	}

	if !strings.HasPrefix(line, "upses,name=MyUPS ") {
		t.Errorf("unexpected line prefix: %s", line)
	}
	if strings.Count(line, " ") != 1 {
		t.Errorf("expected no timestamp and comma-joined fields, got %s", line)
	}
	for _, want := range []string{
		"output_current_percentage=20i",
		"utility_fail=false",
		"beeper_on=false",
		"battery_voltage=13.5",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in %s", want, line)
		}
	}
}

func TestEmitterRemembersLastLine(t *testing.T) {
	var out bytes.Buffer
	e := NewEmitter(&out)

	if err := e.Emit("rack-a", sampleStatus(t)); err != nil {
		t.Fatalf("failed to emit: %v", err)
	}
	if !strings.HasSuffix(out.String(), "\n") || strings.Count(out.String(), "\n") != 1 {
		t.Errorf("expected exactly one line, got %q", out.String())
	}

	last := e.Last()
	if last["rack-a"] != strings.TrimSpace(out.String()) {
		t.Errorf("expected last line to match output, got %q", last["rack-a"])
	}
}
