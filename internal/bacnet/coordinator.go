package bacnet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meterpoint/metersync/internal/infrastructure/logging"
)

// Read pipeline defaults, overridable through CoordinatorOptions.
const (
	defaultBatchReadTimeout         = 5 * time.Second
	defaultSequentialReadTimeout    = 3 * time.Second
	defaultConnectivityCheckTimeout = 2 * time.Second
)

// Register maps one configured data point onto a BACnet object.
type Register struct {
	// DataPoint is the logical name readings are stored under.
	DataPoint string

	// Object is the BACnet object backing the data point.
	Object ObjectRef

	// Unit is an optional engineering unit attached to readings.
	Unit string
}

// Device is one meter on the BACnet network.
type Device struct {
	ID        string
	Name      string
	Address   string
	Registers []Register
}

// Outcome is the result for a single register: a value or an error,
// never both, never neither.
type Outcome struct {
	Register Register
	Value    float64
	Err      error
}

// Result aggregates one device's collection cycle. Outcomes holds
// exactly one entry per configured register, in configuration order.
type Result struct {
	DeviceID     string
	Offline      bool
	FallbackUsed bool
	Outcomes     []Outcome
	OKCount      int
	ErrorCount   int
	Duration     time.Duration
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	// Transport performs the device reads. Required.
	Transport Transport

	// Sizer supplies per-device batch sizes. Required.
	Sizer *BatchSizer

	// Logger is required.
	Logger *logging.Logger

	// BatchReadTimeout bounds one batched read attempt.
	// Default: 5 seconds.
	BatchReadTimeout time.Duration

	// SequentialReadTimeout bounds one single-register fallback read.
	// Default: 3 seconds.
	SequentialReadTimeout time.Duration

	// ConnectivityCheckTimeout bounds the initial probe read.
	// Default: 2 seconds.
	ConnectivityCheckTimeout time.Duration

	// EnableConnectivityCheck probes a device with one cheap read before
	// spending the batch timeout budget on it.
	EnableConnectivityCheck bool

	// EnableSequentialFallback reads registers one at a time once
	// batching has been exhausted.
	EnableSequentialFallback bool
}

// Coordinator runs the read pipeline for a single device per call:
// connectivity probe, batched reads with adaptive sizing, sequential
// fallback, then aggregation into one outcome per register.
//
// CollectDevice never returns an error. Device trouble becomes
// per-register outcomes, so one bad meter cannot interrupt a cycle
// covering many devices.
type Coordinator struct {
	opts CoordinatorOptions
}

// NewCoordinator validates options and returns a Coordinator.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Transport == nil {
		return nil, errors.New("bacnet: transport is required")
	}
	if opts.Sizer == nil {
		return nil, errors.New("bacnet: batch sizer is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("bacnet: logger is required")
	}
	if opts.BatchReadTimeout <= 0 {
		opts.BatchReadTimeout = defaultBatchReadTimeout
	}
	if opts.SequentialReadTimeout <= 0 {
		opts.SequentialReadTimeout = defaultSequentialReadTimeout
	}
	if opts.ConnectivityCheckTimeout <= 0 {
		opts.ConnectivityCheckTimeout = defaultConnectivityCheckTimeout
	}
	return &Coordinator{opts: opts}, nil
}

// CollectDevice reads every configured register of one device.
func (c *Coordinator) CollectDevice(ctx context.Context, dev Device) Result {
	start := time.Now()
	run := newDeviceRun(dev)

	if len(dev.Registers) == 0 {
		return c.finish(run, start, false, false)
	}
	if err := ctx.Err(); err != nil {
		run.failRemaining(fmt.Errorf("bacnet: collection cancelled: %w", err))
		return c.finish(run, start, false, false)
	}

	if c.opts.EnableConnectivityCheck {
		if err := c.probe(ctx, run); err != nil {
			run.failRemaining(fmt.Errorf("%w: connectivity check failed: %w", ErrDeviceOffline, err))
			return c.finish(run, start, true, false)
		}
	}

	fallback := false
	if c.batchPhase(ctx, run) && !run.done() {
		if c.opts.EnableSequentialFallback {
			fallback = true
			c.opts.Logger.Info("sequential fallback engaged",
				"device", dev.ID,
				"remaining", len(run.remaining()),
			)
			c.sequentialPhase(ctx, run)
		} else {
			run.failRemaining(fmt.Errorf("%w: batch reads exhausted", ErrReadTimeout))
		}
	}

	return c.finish(run, start, false, fallback)
}

// probe issues one cheap read to confirm the device is reachable. The
// probed value is kept — work done is never thrown away. A per-object
// fault is not an offline condition: the device answered.
func (c *Coordinator) probe(ctx context.Context, run *deviceRun) error {
	reg := run.dev.Registers[0]

	probeCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectivityCheckTimeout)
	defer cancel()

	v, err := c.opts.Transport.ReadProperty(probeCtx, run.dev.Address, reg.Object)
	switch {
	case err == nil:
		run.setValue(reg.Object, v)
		return nil
	case errors.Is(err, ErrObjectFault) || errors.Is(err, ErrBadValue):
		run.setErr(reg.Object, err)
		return nil
	default:
		return err
	}
}

// batchPhase drains the remaining registers with adaptively sized batch
// reads. It returns true when batching gave up on a timeout at the
// smallest size and the rest should go to the sequential fallback.
func (c *Coordinator) batchPhase(ctx context.Context, run *deviceRun) bool {
	for {
		remaining := run.remaining()
		if len(remaining) == 0 {
			return false
		}
		if err := ctx.Err(); err != nil {
			run.failRemaining(fmt.Errorf("bacnet: collection cancelled: %w", err))
			return false
		}

		nominal := c.opts.Sizer.Size(run.dev.ID, len(run.dev.Registers))
		size := nominal
		if size > len(remaining) {
			size = len(remaining)
		}
		chunk := remaining[:size]

		readCtx, cancel := context.WithTimeout(ctx, c.opts.BatchReadTimeout)
		batch, err := c.opts.Transport.ReadPropertyMultiple(readCtx, run.dev.Address, chunk)
		cancel()

		// Keep whatever arrived, whether or not the attempt timed out.
		for obj, v := range batch.Values {
			run.setValue(obj, v)
		}
		for obj, ferr := range batch.Faults {
			run.setErr(obj, ferr)
		}

		switch {
		case err == nil:
			c.opts.Sizer.OnSuccess(run.dev.ID, len(run.dev.Registers))
			// A complete response accounts for every requested object;
			// anything the gateway skipped is a fault, not a retry.
			for _, obj := range chunk {
				run.setErr(obj, fmt.Errorf("%w: no result returned", ErrObjectFault))
			}

		case errors.Is(err, ErrReadTimeout):
			// One shrink per timeout event, however many registers
			// went unanswered.
			c.opts.Sizer.OnTimeout(run.dev.ID)
			next := c.opts.Sizer.Size(run.dev.ID, len(run.dev.Registers))
			c.opts.Logger.Debug("batch read timed out",
				"device", run.dev.ID,
				"size", size,
				"next_size", next,
				"recovered", len(batch.Values),
			)
			if next >= nominal {
				return true
			}

		default:
			// Device-level failure: every remaining register gets the
			// error and the cycle moves on to the next device.
			c.opts.Logger.Warn("device read failed",
				"device", run.dev.ID,
				"error", err,
			)
			run.failRemaining(err)
			return false
		}
	}
}

// sequentialPhase reads each remaining register individually. Failures
// are per register; one bad register never blocks the next.
func (c *Coordinator) sequentialPhase(ctx context.Context, run *deviceRun) {
	for _, obj := range run.remaining() {
		if err := ctx.Err(); err != nil {
			run.failRemaining(fmt.Errorf("bacnet: collection cancelled: %w", err))
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, c.opts.SequentialReadTimeout)
		v, err := c.opts.Transport.ReadProperty(readCtx, run.dev.Address, obj)
		cancel()

		if err != nil {
			run.setErr(obj, err)
			continue
		}
		run.setValue(obj, v)
	}
}

// finish computes summary counts and emits the per-device log line.
func (c *Coordinator) finish(run *deviceRun, start time.Time, offline, fallback bool) Result {
	result := Result{
		DeviceID:     run.dev.ID,
		Offline:      offline,
		FallbackUsed: fallback,
		Outcomes:     run.outcomes,
		Duration:     time.Since(start),
	}

	for i := range run.outcomes {
		// A register no phase touched still needs its one outcome.
		if !run.filled[i] {
			run.outcomes[i].Err = fmt.Errorf("%w: register was never read", ErrReadTimeout)
			run.filled[i] = true
		}
		if run.outcomes[i].Err != nil {
			result.ErrorCount++
		} else {
			result.OKCount++
		}
	}

	switch {
	case offline:
		c.opts.Logger.Warn("device offline",
			"device", run.dev.ID,
			"registers", len(run.outcomes),
		)
	case result.ErrorCount > 0:
		c.opts.Logger.Warn("device collection completed with errors",
			"device", run.dev.ID,
			"ok", result.OKCount,
			"errors", result.ErrorCount,
			"fallback", fallback,
			"duration", result.Duration,
		)
	default:
		c.opts.Logger.Debug("device collection completed",
			"device", run.dev.ID,
			"ok", result.OKCount,
			"fallback", fallback,
			"duration", result.Duration,
		)
	}

	return result
}

// deviceRun tracks one device's in-progress collection.
type deviceRun struct {
	dev      Device
	outcomes []Outcome
	filled   []bool

	// byObject maps each object to the register indices it backs.
	// Registers can share an object; one answer fills them all.
	byObject map[ObjectRef][]int
}

func newDeviceRun(dev Device) *deviceRun {
	run := &deviceRun{
		dev:      dev,
		outcomes: make([]Outcome, len(dev.Registers)),
		filled:   make([]bool, len(dev.Registers)),
		byObject: make(map[ObjectRef][]int, len(dev.Registers)),
	}
	for i, reg := range dev.Registers {
		run.outcomes[i] = Outcome{Register: reg}
		run.byObject[reg.Object] = append(run.byObject[reg.Object], i)
	}
	return run
}

// setValue records a successful read for every register backed by obj.
func (r *deviceRun) setValue(obj ObjectRef, v float64) {
	for _, i := range r.byObject[obj] {
		if !r.filled[i] {
			r.outcomes[i].Value = v
			r.filled[i] = true
		}
	}
}

// setErr records a failed read for every register backed by obj.
func (r *deviceRun) setErr(obj ObjectRef, err error) {
	for _, i := range r.byObject[obj] {
		if !r.filled[i] {
			r.outcomes[i].Err = err
			r.filled[i] = true
		}
	}
}

// failRemaining records err for every register not yet resolved.
func (r *deviceRun) failRemaining(err error) {
	for i := range r.outcomes {
		if !r.filled[i] {
			r.outcomes[i].Err = err
			r.filled[i] = true
		}
	}
}

// remaining returns the objects still without an outcome, in
// configuration order, each listed once.
func (r *deviceRun) remaining() []ObjectRef {
	seen := make(map[ObjectRef]bool, len(r.outcomes))
	var objs []ObjectRef
	for i, reg := range r.dev.Registers {
		if r.filled[i] || seen[reg.Object] {
			continue
		}
		seen[reg.Object] = true
		objs = append(objs, reg.Object)
	}
	return objs
}

// done reports whether every register has an outcome.
func (r *deviceRun) done() bool {
	for _, f := range r.filled {
		if !f {
			return false
		}
	}
	return true
}
