package upsmon

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/OpenCHAMI/upsmon/internal/config"
	"github.com/OpenCHAMI/upsmon/pkg/client"
	"github.com/OpenCHAMI/upsmon/pkg/journal"
	"github.com/OpenCHAMI/upsmon/pkg/metrics"
	"github.com/OpenCHAMI/upsmon/pkg/notify"
	"github.com/OpenCHAMI/upsmon/pkg/session"
	"github.com/OpenCHAMI/upsmon/pkg/shutdown"
	"github.com/OpenCHAMI/upsmon/pkg/ups"
	"github.com/rs/zerolog/log"
)

// Runtime holds everything built from the config for one process. Close
// releases the journal and the InfluxDB client.
type Runtime struct {
	Params  *PollParams
	Journal *journal.Journal

	closers []io.Closer
}

func (r *Runtime) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewRuntime builds the UPS sources, status sinks, endpoint clients,
// notifier and journal described by cfg. Status lines are written to out.
func NewRuntime(cfg *config.Config, out io.Writer) (*Runtime, error) {
	if out == nil {
		out = os.Stdout
	}
	rt := &Runtime{Params: &PollParams{
		Sources:  NewSources(cfg),
		Emitter:  metrics.NewEmitter(out),
		Evaluate: true,
	}}

	if cfg.Influx.URL != "" {
		w, err := metrics.NewInfluxWriter(cfg.Influx)
		if err != nil {
			return nil, err
		}
		rt.Params.Influx = w
		rt.closers = append(rt.closers, w)
	}

	if cfg.Journal != "" {
		j, err := journal.Open(cfg.Journal)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		rt.Journal = j
		rt.closers = append(rt.closers, j)
	}

	o, err := NewOrchestrator(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if rt.Journal != nil {
		o.Journal = rt.Journal
	}
	rt.Params.Orchestrator = o
	return rt, nil
}

func NewSources(cfg *config.Config) []Source {
	sources := make([]Source, 0, len(cfg.UPSes))
	for _, u := range cfg.UPSes {
		d := ups.NewDevice(u.Device, u.Name)
		if cfg.Serial.BaudRate > 0 {
			d.BaudRate = cfg.Serial.BaudRate
		}
		if cfg.Serial.ReadTimeout > 0 {
			d.ReadTimeout = cfg.Serial.ReadTimeout
		}
		sources = append(sources, Source{Name: u.Name, Reader: d})
	}
	return sources
}

// NewOrchestrator builds a client per endpoint. An endpoint whose client
// cannot be built fails the whole config: a shutdown pass that silently
// skips a server is worse than refusing to start.
func NewOrchestrator(cfg *config.Config) (*shutdown.Orchestrator, error) {
	predicate, err := shutdown.NewPredicate(cfg.Trigger)
	if err != nil {
		return nil, err
	}

	targets := make([]shutdown.Target, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		c, err := session.NewClient(ep, cfg.RequestTimeout())
		if err != nil {
			return nil, err
		}
		targets = append(targets, shutdown.Target{Client: c, ShutdownHosts: ep.ShutdownHosts})
	}

	return &shutdown.Orchestrator{
		Predicate:      predicate,
		Targets:        targets,
		Delay:          shutdown.NewDelayList(cfg.Delay.VMs, cfg.Delay.Hosts),
		Notifier:       NewNotifier(cfg),
		Concurrency:    cfg.Concurrency,
		DryRun:         cfg.DryRun,
		VMWaitTimeout:  cfg.VMWait.Timeout,
		VMWaitInterval: cfg.VMWait.Interval,
	}, nil
}

// NewNotifier returns every configured sink behind one Notifier.
func NewNotifier(cfg *config.Config) notify.Notifier {
	var sinks notify.Multi
	if cfg.Notify.Webhook != "" {
		c := client.NewHTTPClient(client.Options{Timeout: cfg.RequestTimeout()})
		sinks = append(sinks, notify.NewWebhook(cfg.Notify.Webhook, c))
	}
	if cfg.Notify.AMQP.URL != "" {
		sinks = append(sinks, notify.NewQueue(cfg.Notify.AMQP))
	}
	if len(sinks) == 0 {
		log.Debug().Msg("no notification sink configured")
		return notify.Discard{}
	}
	return sinks
}
