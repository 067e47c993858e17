package ups

import (
	"strconv"
	"strings"
)

const (
	// StartOfFrame is the first byte of every Q1 reply.
	StartOfFrame byte = '('

	// QueryCommand asks the device for its status line.
	QueryCommand = "Q1\r"

	fieldCount = 8
	flagCount  = 8
)

// Decode parses a raw Q1 reply such as
//
//	(227.0 227.0 227.0 020 50.0 13.5 30.0 00000000\r
//
// into a Status. There is no partial result: any deviation from the
// frame layout yields a *MalformedResponseError.
func Decode(raw []byte) (Status, error) {
	var status Status

	if len(raw) == 0 {
		return status, &MalformedResponseError{Reason: "empty response", Raw: raw}
	}
	if raw[0] != StartOfFrame {
		return status, &MalformedResponseError{Reason: "missing start of frame", Raw: raw}
	}

	body := strings.TrimRight(string(raw[1:]), "\r\n")
	fields := strings.Split(body, " ")
	if len(fields) < fieldCount {
		return status, &MalformedResponseError{
			Reason: "expected " + strconv.Itoa(fieldCount) + " fields, got " + strconv.Itoa(len(fields)),
			Raw:    raw,
		}
	}

	current, err := strconv.Atoi(fields[3])
	if err != nil {
		return status, &MalformedResponseError{Reason: "output current is not an integer", Raw: raw}
	}
	if current < 0 || current > 100 {
		return status, &MalformedResponseError{Reason: "output current " + strconv.Itoa(current) + "% out of range", Raw: raw}
	}

	flags := fields[7]
	if len(flags) < flagCount {
		return status, &MalformedResponseError{Reason: "status flags too short", Raw: raw}
	}

	status = Status{
		InputVoltage:            fields[0],
		InputFaultVoltage:       fields[1],
		OutputVoltage:           fields[2],
		OutputCurrentPercentage: current,
		InputFrequency:          fields[4],
		BatteryVoltage:          fields[5],
		Temperature:             fields[6],
		UtilityFail:             flags[0] == '1',
		BatteryLow:              flags[1] == '1',
		BypassActive:            flags[2] == '1',
		UPSFailed:               flags[3] == '1',
		UPSInStandby:            flags[4] == '1',
		TestInProgress:          flags[5] == '1',
		ShutdownActive:          flags[6] == '1',
		BeeperOn:                flags[7] == '1',
	}
	return status, nil
}
