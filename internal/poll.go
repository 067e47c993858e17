// Package upsmon wires the UPS readers, status sinks and the shutdown
// orchestrator together. Each cmd/ subcommand calls into one routine
// here:
//
//	cmd/poll.go   --> internal/poll.go   ( upsmon.PollOnce() )
//	cmd/status.go --> internal/poll.go   ( upsmon.PollOnce() with Evaluate unset )
//	cmd/daemon.go --> pkg/daemon         ( upsmon.PollOnce() on an interval )
package upsmon

import (
	"context"
	"errors"
	"time"

	"github.com/OpenCHAMI/upsmon/pkg/metrics"
	"github.com/OpenCHAMI/upsmon/pkg/shutdown"
	"github.com/OpenCHAMI/upsmon/pkg/ups"
	"github.com/rs/zerolog/log"
)

// StatusSource is anything a UPS status can be read from.
type StatusSource interface {
	Status(ctx context.Context) (ups.Status, error)
}

// Source is a UPS and the name its status is published under.
type Source struct {
	Name   string
	Reader StatusSource
}

// PointWriter sends a status to a time series store.
type PointWriter interface {
	Write(name string, status ups.Status, t time.Time) error
}

type PollParams struct {
	Sources      []Source
	Emitter      *metrics.Emitter
	Influx       PointWriter
	Orchestrator *shutdown.Orchestrator
	// Evaluate the power-loss predicate; unset only reads and emits.
	Evaluate bool
}

// PollResult is the outcome of polling one UPS.
type PollResult struct {
	UPS    string
	Status ups.Status
	Err    error
	Report *shutdown.Report
}

// PollOnce reads every configured UPS once, emits its status line and,
// when asked to, evaluates the power-loss predicate and runs a shutdown
// pass. A UPS that fails to answer is logged and skipped; the rest are
// still polled.
func PollOnce(ctx context.Context, params *PollParams) []PollResult {
	results := make([]PollResult, 0, len(params.Sources))
	for _, src := range params.Sources {
		result := PollResult{UPS: src.Name}
		status, err := src.Reader.Status(ctx)
		if err != nil {
			var malformed *ups.MalformedResponseError
			if errors.As(err, &malformed) {
				log.Error().Err(err).Str("ups", src.Name).Bytes("raw", malformed.Raw).Msg("malformed status from UPS")
			} else {
				log.Error().Err(err).Str("ups", src.Name).Msg("failed to read UPS status")
			}
			result.Err = err
			results = append(results, result)
			continue
		}
		result.Status = status

		if params.Emitter != nil {
			if err := params.Emitter.Emit(src.Name, status); err != nil {
				log.Error().Err(err).Str("ups", src.Name).Msg("failed to emit status line")
			}
		}
		if params.Influx != nil {
			if err := params.Influx.Write(src.Name, status, time.Now()); err != nil {
				log.Warn().Err(err).Str("ups", src.Name).Msg("failed to write status to InfluxDB")
			}
		}

		if params.Evaluate && params.Orchestrator != nil {
			report := params.Orchestrator.Evaluate(ctx, src.Name, status)
			if report.Triggered {
				result.Report = &report
			}
		}
		results = append(results, result)
	}
	return results
}
