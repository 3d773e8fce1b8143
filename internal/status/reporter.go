package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meterpoint/metersync/internal/infrastructure/logging"
)

// defaultReportInterval is how often the reporter publishes when the
// config leaves the interval unset.
const defaultReportInterval = 30 * time.Second

// Publisher is the MQTT surface the reporter needs.
// Implemented by mqtt.Client.
type Publisher interface {
	// Publish sends a message to a topic with the given QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// ReporterConfig configures a Reporter.
type ReporterConfig struct {
	// Tracker supplies the snapshots to publish. Required.
	Tracker *Tracker

	// Publisher delivers snapshots to the broker. Required.
	Publisher Publisher

	// Topic is the retained status topic for this agent. Required.
	Topic string

	// Interval between publishes. Default: 30 seconds.
	Interval time.Duration

	// QoS for status publishes. Default: 1.
	QoS byte

	// Logger is required.
	Logger *logging.Logger
}

// Reporter publishes retained status snapshots to MQTT on a fixed
// interval so fleet dashboards see agent health without polling. A
// publish failure is logged and retried on the next tick; status
// reporting never affects the reading pipeline.
type Reporter struct {
	cfg ReporterConfig

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewReporter validates config and returns a Reporter ready to Start.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("status: tracker is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("status: publisher is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("status: topic is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("status: logger is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReportInterval
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}

	return &Reporter{
		cfg:  cfg,
		done: make(chan struct{}),
	}, nil
}

// Start begins periodic publishing. Call Stop to shut down.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.reportLoop(ctx)
}

// Stop halts publishing and sends one final snapshot so the retained
// status reflects the state at shutdown. Safe to call multiple times.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		// Final snapshot is best-effort; the broker's LWT covers a
		// crash, this covers a clean shutdown.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.PublishNow(ctx); err != nil {
			r.cfg.Logger.Warn("final status publish failed", "error", err)
		}
	})
}

// PublishNow publishes the current snapshot immediately. Useful after a
// significant event (connectivity change, manual trigger).
func (r *Reporter) PublishNow(ctx context.Context) error {
	snap := r.cfg.Tracker.Snapshot(ctx)

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("status: marshal snapshot: %w", err)
	}

	return r.cfg.Publisher.Publish(r.cfg.Topic, payload, r.cfg.QoS, true)
}

// reportLoop drives the periodic publishing.
func (r *Reporter) reportLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// Publish an initial snapshot so the retained topic is populated
	// as soon as the agent is up.
	if err := r.PublishNow(ctx); err != nil {
		r.cfg.Logger.Warn("initial status publish failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.PublishNow(ctx); err != nil {
				r.cfg.Logger.Warn("status publish failed", "error", err)
			}
		}
	}
}
