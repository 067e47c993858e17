// Package ups talks to a UPS over its serial line using the Q1 status
// protocol and decodes the reply into a Status.
package ups

import "fmt"

// Status is a single decoded Q1 reply. Readings other than the output
// current are kept exactly as the device sent them.
type Status struct {
	InputVoltage            string `json:"input_voltage"`
	InputFaultVoltage       string `json:"input_fault_voltage"`
	OutputVoltage           string `json:"output_voltage"`
	OutputCurrentPercentage int    `json:"output_current_percentage"`
	InputFrequency          string `json:"input_frequency"`
	BatteryVoltage          string `json:"battery_voltage"`
	Temperature             string `json:"temperature"`

	UtilityFail    bool `json:"utility_fail"`
	BatteryLow     bool `json:"battery_low"`
	BypassActive   bool `json:"bypass_active"`
	UPSFailed      bool `json:"ups_failed"`
	UPSInStandby   bool `json:"ups_in_standby"`
	TestInProgress bool `json:"test_in_progress"`
	ShutdownActive bool `json:"shutdown_active"`
	BeeperOn       bool `json:"beeper_on"`
}

// Fields returns the status as a flat key/value map keyed by the wire
// names used in the status line.
func (s Status) Fields() map[string]any {
	return map[string]any{
		"input_voltage":             s.InputVoltage,
		"input_fault_voltage":       s.InputFaultVoltage,
		"output_voltage":            s.OutputVoltage,
		"output_current_percentage": s.OutputCurrentPercentage,
		"input_frequency":           s.InputFrequency,
		"battery_voltage":           s.BatteryVoltage,
		"temperature":               s.Temperature,
		"utility_fail":              s.UtilityFail,
		"battery_low":               s.BatteryLow,
		"bypass_active":             s.BypassActive,
		"ups_failed":                s.UPSFailed,
		"ups_in_standby":            s.UPSInStandby,
		"test_in_progress":          s.TestInProgress,
		"shutdown_active":           s.ShutdownActive,
		"beeper_on":                 s.BeeperOn,
	}
}

// MalformedResponseError is returned when a reply does not follow the Q1
// frame layout. The raw frame is kept for logging.
type MalformedResponseError struct {
	Reason string
	Raw    []byte
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed UPS response: %s (%q)", e.Reason, e.Raw)
}
