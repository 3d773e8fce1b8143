package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meterpoint/metersync/internal/bacnet"
	"github.com/meterpoint/metersync/internal/collect"
	"github.com/meterpoint/metersync/internal/infrastructure/logging"
	"github.com/meterpoint/metersync/internal/reading"
	"github.com/meterpoint/metersync/internal/uplink"
)

// Subsystem labels used in last-error reporting. They split failures the
// way an operator diagnoses them: reads failing, uploads failing, or the
// local store itself failing.
const (
	SubsystemCollection = "collection"
	SubsystemUplink     = "uplink"
	SubsystemQueue      = "queue"
)

// DeviceState is the last observed collection outcome for one meter.
type DeviceState struct {
	DeviceID      string    `json:"device_id"`
	Name          string    `json:"name,omitempty"`
	Offline       bool      `json:"offline"`
	FallbackUsed  bool      `json:"fallback_used,omitempty"`
	OKCount       int       `json:"ok_count"`
	ErrorCount    int       `json:"error_count"`
	LastError     string    `json:"last_error,omitempty"`
	LastCollected time.Time `json:"last_collected"`
}

// LastError is the most recent failure in one subsystem.
type LastError struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// QueueStatus reflects the durable reading queue.
type QueueStatus struct {
	Depth         int64     `json:"depth"`
	OldestPending time.Time `json:"oldest_pending"`
	MaxRetryCount int       `json:"max_retry_count"`
}

// CollectionStatus summarises the most recent collection cycle.
type CollectionStatus struct {
	LastRun         time.Time `json:"last_run"`
	DurationMS      int64     `json:"duration_ms"`
	Devices         int       `json:"devices"`
	OfflineDevices  int       `json:"offline_devices"`
	Collected       int       `json:"collected"`
	Errors          int       `json:"errors"`
	EnqueueFailures int       `json:"enqueue_failures"`
}

// UplinkStatus summarises connectivity and the most recent upload cycle.
type UplinkStatus struct {
	Connectivity        string    `json:"connectivity"`
	ConnectivitySince   time.Time `json:"connectivity_since"`
	InFlight            bool      `json:"in_flight"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextAttempt         time.Time `json:"next_attempt"`
	LastRun             time.Time `json:"last_run"`
	LastTrigger         string    `json:"last_trigger,omitempty"`
	LastUploaded        int       `json:"last_uploaded"`
	LastRejected        int       `json:"last_rejected"`
	LastAborted         bool      `json:"last_aborted"`
}

// Totals are cumulative counters since process start.
type Totals struct {
	ReadingsCollected   int64 `json:"readings_collected"`
	ReadingsUploaded    int64 `json:"readings_uploaded"`
	ReadingsRejected    int64 `json:"readings_rejected"`
	CollectionCycles    int64 `json:"collection_cycles"`
	UploadCycles        int64 `json:"upload_cycles"`
	AbortedUploadCycles int64 `json:"aborted_upload_cycles"`
}

// Snapshot is the agent's status surface, served as JSON over the API
// and published retained over MQTT.
type Snapshot struct {
	AgentID       string               `json:"agent_id"`
	SiteID        string               `json:"site_id,omitempty"`
	Version       string               `json:"version"`
	StartedAt     time.Time            `json:"started_at"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Queue         QueueStatus          `json:"queue"`
	Collection    CollectionStatus     `json:"collection"`
	Uplink        UplinkStatus         `json:"uplink"`
	Totals        Totals               `json:"totals"`
	Devices       []DeviceState        `json:"devices"`
	LastErrors    map[string]LastError `json:"last_errors,omitempty"`
}

// ConnectivitySource reports uplink reachability.
// Implemented by uplink.Monitor.
type ConnectivitySource interface {
	Status() uplink.MonitorStatus
}

// UploadSource reports upload manager state. Implemented by uplink.Manager.
type UploadSource interface {
	Status() uplink.ManagerStatus
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	// AgentID identifies this agent in snapshots. Required.
	AgentID string

	// SiteID is the facility this agent collects for.
	SiteID string

	// Version is the build version reported in snapshots.
	Version string

	// Queue provides depth and retry statistics at snapshot time. Required.
	Queue reading.Queue

	// Connectivity provides the live uplink state. Optional.
	Connectivity ConnectivitySource

	// Uploader provides live backoff and in-flight state. Optional.
	Uploader UploadSource

	// Metrics, when set, is updated alongside the tracker.
	Metrics *Metrics

	// Logger is required.
	Logger *logging.Logger
}

// Tracker aggregates the agent's observable state. Event-shaped facts
// (cycle outcomes, per-device results) are pushed in via the Record
// methods; live gauges (queue depth, connectivity, backoff) are pulled
// from their owning components when a Snapshot is taken.
type Tracker struct {
	opts      TrackerOptions
	startedAt time.Time

	mu          sync.RWMutex
	devices     map[string]*DeviceState
	deviceOrder []string
	collection  CollectionStatus
	lastUpload  uplink.CycleStats
	hasUpload   bool
	lastQueue   QueueStatus
	lastErrors  map[string]LastError
	totals      Totals
}

// NewTracker validates options and returns a Tracker.
func NewTracker(opts TrackerOptions) (*Tracker, error) {
	if opts.AgentID == "" {
		return nil, errors.New("status: agent ID is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("status: queue is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("status: logger is required")
	}

	return &Tracker{
		opts:       opts,
		startedAt:  time.Now().UTC(),
		devices:    make(map[string]*DeviceState),
		lastErrors: make(map[string]LastError),
	}, nil
}

// RegisterDevices seeds the device list so the status surface shows
// every configured meter before its first collection. Order is kept for
// snapshot output.
func (t *Tracker) RegisterDevices(devices []bacnet.Device) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, dev := range devices {
		if _, ok := t.devices[dev.ID]; ok {
			continue
		}
		t.devices[dev.ID] = &DeviceState{DeviceID: dev.ID, Name: dev.Name}
		t.deviceOrder = append(t.deviceOrder, dev.ID)
	}
}

// Devices returns per-device collection state in registration order.
// Unlike Snapshot it touches no external state, so it is safe on hot paths.
func (t *Tracker) Devices() []DeviceState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]DeviceState, 0, len(t.deviceOrder))
	for _, id := range t.deviceOrder {
		out = append(out, *t.devices[id])
	}
	return out
}

// RecordDeviceResult folds one device collection outcome into the
// tracker. Wired as the collect runner's OnResult hook; safe for
// concurrent use from collection goroutines.
func (t *Tracker) RecordDeviceResult(res bacnet.Result) {
	t.mu.Lock()

	ds, ok := t.devices[res.DeviceID]
	if !ok {
		ds = &DeviceState{DeviceID: res.DeviceID}
		t.devices[res.DeviceID] = ds
		t.deviceOrder = append(t.deviceOrder, res.DeviceID)
	}

	ds.Offline = res.Offline
	ds.FallbackUsed = res.FallbackUsed
	ds.OKCount = res.OKCount
	ds.ErrorCount = res.ErrorCount
	ds.LastError = firstOutcomeError(res)
	ds.LastCollected = time.Now().UTC()

	offline := 0
	for _, d := range t.devices {
		if d.Offline {
			offline++
		}
	}
	t.mu.Unlock()

	if m := t.opts.Metrics; m != nil {
		if res.FallbackUsed {
			m.SequentialFallbacks.Inc()
		}
		m.DevicesOffline.Set(float64(offline))
	}
}

// RecordCollectionSummary folds a completed collection cycle into the
// tracker. Wired as the collect runner's OnSummary hook.
func (t *Tracker) RecordCollectionSummary(s collect.Summary) {
	t.mu.Lock()
	t.collection = CollectionStatus{
		LastRun:         s.Started,
		DurationMS:      s.Duration.Milliseconds(),
		Devices:         s.Devices,
		OfflineDevices:  s.OfflineDevices,
		Collected:       s.Collected,
		Errors:          s.Errors,
		EnqueueFailures: s.EnqueueFailures,
	}
	t.totals.CollectionCycles++
	t.totals.ReadingsCollected += int64(s.Collected)

	now := time.Now().UTC()
	if s.Errors > 0 || s.OfflineDevices > 0 {
		t.lastErrors[SubsystemCollection] = LastError{
			Message: fmt.Sprintf("%d register errors, %d devices offline", s.Errors, s.OfflineDevices),
			At:      now,
		}
	}
	if s.EnqueueFailures > 0 {
		t.lastErrors[SubsystemQueue] = LastError{
			Message: fmt.Sprintf("readings from %d device(s) could not be stored", s.EnqueueFailures),
			At:      now,
		}
	}
	t.mu.Unlock()

	if m := t.opts.Metrics; m != nil {
		m.CollectionCycles.Inc()
		m.ReadingsCollected.Add(float64(s.Collected))
	}
}

// RecordUploadCycle folds one upload cycle into the tracker. Wired as
// the upload manager's OnCycle hook.
func (t *Tracker) RecordUploadCycle(cs uplink.CycleStats) {
	t.mu.Lock()
	t.lastUpload = cs
	t.hasUpload = true
	t.totals.UploadCycles++
	t.totals.ReadingsUploaded += int64(cs.Uploaded)
	t.totals.ReadingsRejected += int64(cs.Rejected)
	if cs.Aborted {
		t.totals.AbortedUploadCycles++
		msg := "upload cycle aborted"
		if cs.Err != nil {
			msg = cs.Err.Error()
		}
		t.lastErrors[SubsystemUplink] = LastError{Message: msg, At: time.Now().UTC()}
	}
	t.mu.Unlock()

	if m := t.opts.Metrics; m != nil {
		result := CycleResultOK
		if cs.Aborted {
			result = CycleResultAborted
		}
		m.UploadCycles.WithLabelValues(result).Inc()
		m.ReadingsUploaded.Add(float64(cs.Uploaded))
		m.ReadingsRejected.Add(float64(cs.Rejected))
	}
}

// Snapshot assembles the current status surface. Queue statistics are
// read live; a store failure degrades to the last known figures instead
// of failing the snapshot.
func (t *Tracker) Snapshot(ctx context.Context) Snapshot {
	now := time.Now().UTC()

	// Pull live state before taking the lock: Stats hits the store.
	queueStats, queueErr := t.opts.Queue.Stats(ctx)

	var monitorStatus uplink.MonitorStatus
	if t.opts.Connectivity != nil {
		monitorStatus = t.opts.Connectivity.Status()
	}

	var managerStatus uplink.ManagerStatus
	if t.opts.Uploader != nil {
		managerStatus = t.opts.Uploader.Status()
	}

	t.mu.Lock()
	if queueErr != nil {
		t.opts.Logger.Error("queue stats unavailable for status snapshot", "error", queueErr)
		t.lastErrors[SubsystemQueue] = LastError{Message: queueErr.Error(), At: now}
	} else {
		t.lastQueue = QueueStatus{
			Depth:         queueStats.Depth,
			OldestPending: queueStats.OldestPending,
			MaxRetryCount: queueStats.MaxRetryCount,
		}
	}

	snap := Snapshot{
		AgentID:       t.opts.AgentID,
		SiteID:        t.opts.SiteID,
		Version:       t.opts.Version,
		StartedAt:     t.startedAt,
		UptimeSeconds: int64(now.Sub(t.startedAt).Seconds()),
		GeneratedAt:   now,
		Queue:         t.lastQueue,
		Collection:    t.collection,
		Totals:        t.totals,
	}

	snap.Uplink = UplinkStatus{
		Connectivity:        monitorStatus.State.String(),
		ConnectivitySince:   monitorStatus.LastChange,
		InFlight:            managerStatus.InFlight,
		ConsecutiveFailures: managerStatus.Failures,
		NextAttempt:         managerStatus.NextAttempt,
	}
	if t.hasUpload {
		snap.Uplink.LastRun = t.lastUpload.Started
		snap.Uplink.LastTrigger = t.lastUpload.Trigger
		snap.Uplink.LastUploaded = t.lastUpload.Uploaded
		snap.Uplink.LastRejected = t.lastUpload.Rejected
		snap.Uplink.LastAborted = t.lastUpload.Aborted
	}
	if monitorStatus.State == uplink.StateDisconnected && monitorStatus.LastError != "" {
		t.lastErrors[SubsystemUplink] = LastError{
			Message: monitorStatus.LastError,
			At:      monitorStatus.LastProbe,
		}
	}

	snap.Devices = make([]DeviceState, 0, len(t.deviceOrder))
	for _, id := range t.deviceOrder {
		snap.Devices = append(snap.Devices, *t.devices[id])
	}

	if len(t.lastErrors) > 0 {
		snap.LastErrors = make(map[string]LastError, len(t.lastErrors))
		for k, v := range t.lastErrors {
			snap.LastErrors[k] = v
		}
	}
	t.mu.Unlock()

	if m := t.opts.Metrics; m != nil {
		if queueErr == nil {
			m.QueueDepth.Set(float64(snap.Queue.Depth))
			if snap.Queue.OldestPending.IsZero() {
				m.OldestPendingAge.Set(0)
			} else {
				m.OldestPendingAge.Set(now.Sub(snap.Queue.OldestPending).Seconds())
			}
		}
		if monitorStatus.State == uplink.StateConnected {
			m.UplinkConnected.Set(1)
		} else {
			m.UplinkConnected.Set(0)
		}
		m.UploadFailures.Set(float64(managerStatus.Failures))
	}

	return snap
}

// firstOutcomeError returns the first register error message from a
// device result, or "" when every register read cleanly.
func firstOutcomeError(res bacnet.Result) string {
	for _, o := range res.Outcomes {
		if o.Err != nil {
			return o.Err.Error()
		}
	}
	return ""
}
