package format

import (
	"strings"
	"testing"
)

type event struct {
	Action string `json:"action" yaml:"action"`
	Target string `json:"target" yaml:"target"`
}

func TestMarshal(t *testing.T) {
	data := []event{{Action: "shutdown-vm", Target: "web"}}

	b, err := Marshal(data, FORMAT_JSON)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	if !strings.Contains(string(b), `"target": "web"`) {
		t.Errorf("unexpected JSON: %s", b)
	}

	b, err = Marshal(data, FORMAT_YAML)
	if err != nil {
		t.Fatalf("failed to marshal YAML: %v", err)
	}
	if !strings.Contains(string(b), "- action: shutdown-vm") {
		t.Errorf("unexpected YAML: %s", b)
	}

	if _, err := Marshal(data, FORMAT_LIST); err == nil {
		t.Error("expected the list format to be rejected")
	}
}

func TestSet(t *testing.T) {
	var df DataFormat
	if err := df.Set("yaml"); err != nil || df != FORMAT_YAML {
		t.Errorf("expected yaml, got %s (%v)", df, err)
	}
	if err := df.Set("xml"); err == nil {
		t.Error("expected xml to be rejected")
	}
}
