// Package metrics renders UPS status as InfluxDB line protocol and ships
// it to stdout and, optionally, an InfluxDB server.
package metrics

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/OpenCHAMI/upsmon/pkg/ups"
	"github.com/influxdata/influxdb1-client/models"
)

// Measurement is the line protocol measurement for UPS status.
const Measurement = "upses"

// Point builds the fields of one status line. Readings that parse as
// numbers are sent as floats so they can be graphed; anything else is
// kept as a string field.
func Point(name string, status ups.Status, t time.Time) (models.Point, error) {
	fields := models.Fields{}
	for k, v := range status.Fields() {
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				fields[k] = f
				continue
			}
		}
		fields[k] = v
	}
	return models.NewPoint(Measurement, models.NewTags(map[string]string{"name": name}), fields, t)
}

// Line renders a status as a single line without a timestamp, e.g.
//
//	upses,name=MyUPS battery_low=false,battery_voltage=13.5,...
func Line(name string, status ups.Status) (string, error) {
	pt, err := Point(name, status, time.Time{})
	if err != nil {
		return "", fmt.Errorf("failed to build status point: %w", err)
	}
	return pt.String(), nil
}

// Emitter writes one line per status to Out and remembers the most recent
// line per UPS for the daemon's status endpoint.
type Emitter struct {
	Out io.Writer

	mu   sync.RWMutex
	last map[string]string
}

func NewEmitter(out io.Writer) *Emitter {
	return &Emitter{Out: out, last: map[string]string{}}
}

func (e *Emitter) Emit(name string, status ups.Status) error {
	line, err := Line(name, status)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(e.Out, line); err != nil {
		return fmt.Errorf("failed to write status line: %w", err)
	}
	e.mu.Lock()
	e.last[name] = line
	e.mu.Unlock()
	return nil
}

// Last returns a copy of the most recent line for every UPS emitted so far.
func (e *Emitter) Last() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.last))
	for k, v := range e.last {
		out[k] = v
	}
	return out
}
