package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/meterpoint/metersync/internal/infrastructure/config"
)

const (
	connectProbeTimeout = 10 * time.Second
	healthProbeTimeout  = 5 * time.Second

	// Batching fallbacks when the config leaves them unset.
	defaultBatchPoints  = 100
	defaultFlushSeconds = 10
)

// Client mirrors collected readings into a site-local InfluxDB bucket
// for dashboards. Writes are batched and asynchronous, and the mirror
// never gates collection or upload: a dead InfluxDB costs dashboard
// freshness, nothing else.
type Client struct {
	impl     influxdb2.Client
	writeAPI api.WriteAPI

	open atomic.Bool

	mu      sync.Mutex
	onError func(error)
}

// Connect builds the client, probes the server once, and starts the
// background relay for asynchronous write errors. Returns ErrDisabled
// when the mirror is off in config and ErrConnectionFailed when the
// probe fails; the caller decides whether either is fatal.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	impl := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), connectProbeTimeout)
	defer cancel()
	if err := ping(ctx, impl); err != nil {
		impl.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		impl:     impl,
		writeAPI: impl.WriteAPI(cfg.Org, cfg.Bucket),
	}
	c.open.Store(true)

	go c.relayWriteErrors(c.writeAPI.Errors())

	return c, nil
}

// writeOptions translates config into client options, clamping batch
// settings to sane defaults when zero or negative.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchPoints
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushSeconds
	}

	// #nosec G115 -- both values clamped positive above.
	return influxdb2.DefaultOptions().
		SetBatchSize(uint(batch)).
		SetFlushInterval(uint(flush) * 1000) // the client API takes milliseconds
}

// ping folds the two failure shapes of the server probe, transport
// error and "reachable but unhealthy", into one error path.
func ping(ctx context.Context, impl influxdb2.Client) error {
	up, err := impl.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if !up {
		return errors.New("server reports unhealthy")
	}
	return nil
}

// relayWriteErrors forwards batch-write failures to the registered
// callback. The source channel closes when the write API shuts down,
// which ends the goroutine.
func (c *Client) relayWriteErrors(errs <-chan error) {
	for err := range errs {
		c.mu.Lock()
		report := c.onError
		c.mu.Unlock()

		if report != nil {
			report(err)
		}
	}
}

// SetOnError registers a callback for asynchronous write failures.
// Points are batched in the background, so errors surface here rather
// than on the write call that queued the point.
func (c *Client) SetOnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// HealthCheck performs a live probe of the server. Returns
// ErrNotConnected once the client has been closed.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	if err := ping(probeCtx, c.impl); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports the last known state without touching the
// network; HealthCheck is the live probe.
func (c *Client) IsConnected() bool {
	return c != nil && c.open.Load()
}

// Flush blocks until buffered points are delivered. Tests use it to
// force delivery before asserting; Close flushes on its own.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}

// Close flushes buffered points and releases the underlying client.
// Idempotent, and tolerates a nil or never-connected receiver.
func (c *Client) Close() error {
	if c == nil || c.impl == nil {
		return nil
	}

	// Flush exactly once; the write API does not take a flush after
	// its background proc has stopped.
	if c.open.CompareAndSwap(true, false) {
		c.writeAPI.Flush()
	}
	c.impl.Close()
	return nil
}
