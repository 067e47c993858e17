// Package shutdown decides whether a UPS status warrants shutting the
// managed infrastructure down and carries the shutdown out, endpoint by
// endpoint, in a fixed order: immediate VMs, delayed VMs, then (where
// configured) immediate hosts and delayed hosts.
package shutdown

import (
	"fmt"
	"sort"

	"github.com/OpenCHAMI/upsmon/pkg/ups"
	"golang.org/x/exp/maps"
)

// Trigger modes. UtilityFail set means the UPS is running on battery.
const (
	// both utility failure and low battery: the battery is about to run out
	ModeLowBattery = "low-battery"
	// utility failure alone: shut down as soon as mains is lost
	ModeOnBattery = "on-battery"
)

// Predicate is the power-loss condition that starts a shutdown.
type Predicate struct {
	Mode string
}

func NewPredicate(mode string) (Predicate, error) {
	switch mode {
	case "":
		return Predicate{Mode: ModeLowBattery}, nil
	case ModeLowBattery, ModeOnBattery:
		return Predicate{Mode: mode}, nil
	default:
		return Predicate{}, fmt.Errorf("unknown trigger %q (must be one of %s, %s)", mode, ModeLowBattery, ModeOnBattery)
	}
}

func (p Predicate) Holds(status ups.Status) bool {
	switch p.Mode {
	case ModeOnBattery:
		return status.UtilityFail
	default:
		return status.UtilityFail && status.BatteryLow
	}
}

// DelayList names the VMs and hosts that are shut down last.
type DelayList struct {
	vms   map[string]struct{}
	hosts map[string]struct{}
}

func NewDelayList(vms, hosts []string) DelayList {
	d := DelayList{vms: map[string]struct{}{}, hosts: map[string]struct{}{}}
	for _, name := range vms {
		d.vms[name] = struct{}{}
	}
	for _, name := range hosts {
		d.hosts[name] = struct{}{}
	}
	return d
}

func (d DelayList) VMDelayed(name string) bool {
	_, ok := d.vms[name]
	return ok
}

func (d DelayList) HostDelayed(name string) bool {
	_, ok := d.hosts[name]
	return ok
}

func (d DelayList) VMs() []string   { return sortedKeys(d.vms) }
func (d DelayList) Hosts() []string { return sortedKeys(d.hosts) }

func sortedKeys(m map[string]struct{}) []string {
	keys := maps.Keys(m)
	sort.Strings(keys)
	return keys
}
