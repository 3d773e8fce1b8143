// Package collect drives meter-reading collection cycles: every
// configured device is read over BACnet, successful register values
// become queued readings and failures are reported without blocking
// the rest of the fleet.
package collect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meterpoint/metersync/internal/bacnet"
	"github.com/meterpoint/metersync/internal/infrastructure/logging"
	"github.com/meterpoint/metersync/internal/reading"
)

const defaultDeviceConcurrency = 4

// Collector reads all registers of one device. Implemented by
// bacnet.Coordinator.
type Collector interface {
	CollectDevice(ctx context.Context, dev bacnet.Device) bacnet.Result
}

// Mirror receives best-effort copies of collected data. Implemented by
// the optional influxdb client; a nil Mirror disables mirroring.
type Mirror interface {
	WriteReading(deviceID, dataPoint string, value float64, unit string, timestamp time.Time)
	WriteCycleStats(deviceID string, okCount, errorCount int, offline bool, duration time.Duration)
}

// Summary aggregates one collection cycle across all devices.
type Summary struct {
	Started  time.Time
	Duration time.Duration

	// Devices is how many devices the cycle visited.
	Devices int

	// OfflineDevices failed their connectivity probe.
	OfflineDevices int

	// Collected counts register values that became queued readings.
	Collected int

	// Errors counts registers that produced an error instead of a value.
	Errors int

	// EnqueueFailures counts devices whose readings could not be stored.
	// Their values are lost for this cycle; collection itself carries on.
	EnqueueFailures int
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// Collector performs the per-device reads. Required.
	Collector Collector

	// Queue stores collected readings for upload. Required.
	Queue reading.Queue

	// Logger is required.
	Logger *logging.Logger

	// Devices is the inventory visited by each cycle.
	Devices []bacnet.Device

	// Concurrency bounds how many devices are collected in parallel.
	// Default: 4.
	Concurrency int

	// Mirror optionally receives copies of readings and cycle stats.
	Mirror Mirror

	// OnResult, when set, observes every device result as it lands.
	// Called concurrently from collection goroutines.
	OnResult func(bacnet.Result)

	// OnSummary, when set, observes each completed cycle.
	OnSummary func(Summary)
}

// Runner executes collection cycles over the configured device fleet.
// One cycle runs at a time; devices within a cycle run in parallel and
// fail independently.
type Runner struct {
	opts     RunnerOptions
	inFlight atomic.Bool
}

// NewRunner validates options and returns a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Collector == nil {
		return nil, errors.New("collect: collector is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("collect: queue is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("collect: logger is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultDeviceConcurrency
	}
	return &Runner{opts: opts}, nil
}

// RunCycle collects every configured device once and enqueues the
// readings that were successfully collected. A second invocation while
// a cycle is running returns ErrCycleInFlight and does nothing.
//
// Per-device failures (offline, register errors, storage errors) are
// isolated: they are logged, counted in the Summary and never stop the
// other devices.
func (r *Runner) RunCycle(ctx context.Context) (Summary, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.opts.Logger.Debug("collection cycle already in flight")
		return Summary{}, ErrCycleInFlight
	}
	defer r.inFlight.Store(false)

	summary := Summary{Started: time.Now(), Devices: len(r.opts.Devices)}
	r.opts.Logger.Info("collection cycle started",
		"devices", summary.Devices,
		"concurrency", r.opts.Concurrency,
	)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)

	for _, dev := range r.opts.Devices {
		dev := dev
		g.Go(func() error {
			res := r.collectOne(ctx, dev)

			mu.Lock()
			if res.Offline {
				summary.OfflineDevices++
			}
			summary.Errors += res.ErrorCount
			summary.Collected += res.enqueued
			if res.enqueueErr != nil {
				summary.EnqueueFailures++
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	summary.Duration = time.Since(summary.Started)
	r.opts.Logger.Info("collection cycle completed",
		"devices", summary.Devices,
		"offline", summary.OfflineDevices,
		"collected", summary.Collected,
		"errors", summary.Errors,
		"enqueue_failures", summary.EnqueueFailures,
		"duration", summary.Duration,
	)

	if r.opts.OnSummary != nil {
		r.opts.OnSummary(summary)
	}

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// deviceResult carries one device's outcome plus what the runner did
// with it.
type deviceResult struct {
	bacnet.Result
	enqueued   int
	enqueueErr error
}

func (r *Runner) collectOne(ctx context.Context, dev bacnet.Device) deviceResult {
	res := deviceResult{Result: r.opts.Collector.CollectDevice(ctx, dev)}
	collectedAt := time.Now().UTC()

	rows := make([]reading.Reading, 0, res.OKCount)
	for _, o := range res.Outcomes {
		if o.Err != nil {
			continue
		}
		rows = append(rows, reading.Reading{
			DeviceID:  res.DeviceID,
			DataPoint: o.Register.DataPoint,
			Value:     o.Value,
			Unit:      o.Register.Unit,
			Timestamp: collectedAt,
		})
	}

	if len(rows) > 0 {
		if err := r.opts.Queue.Enqueue(ctx, rows); err != nil {
			res.enqueueErr = err
			r.opts.Logger.Error("failed to enqueue readings, values lost for this cycle",
				"device", res.DeviceID,
				"rows", len(rows),
				"error", err,
			)
		} else {
			res.enqueued = len(rows)
		}
	}

	if r.opts.Mirror != nil {
		for _, row := range rows {
			r.opts.Mirror.WriteReading(row.DeviceID, row.DataPoint, row.Value, row.Unit, row.Timestamp)
		}
		r.opts.Mirror.WriteCycleStats(res.DeviceID, res.OKCount, res.ErrorCount, res.Offline, res.Result.Duration)
	}

	if r.opts.OnResult != nil {
		r.opts.OnResult(res.Result)
	}
	return res
}
