package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meterpoint/metersync/internal/bacnet"
	"github.com/meterpoint/metersync/internal/collect"
	"github.com/meterpoint/metersync/internal/infrastructure/config"
	"github.com/meterpoint/metersync/internal/infrastructure/logging"
	"github.com/meterpoint/metersync/internal/reading"
	"github.com/meterpoint/metersync/internal/status"
	"github.com/meterpoint/metersync/internal/uplink"
)

// =============================================================================
// Test fixtures
// =============================================================================

// fakeQueue serves canned stats so tracker snapshots need no database.
type fakeQueue struct {
	mu    sync.Mutex
	stats reading.Stats
}

func (q *fakeQueue) Enqueue(context.Context, []reading.Reading) error { return nil }

func (q *fakeQueue) DequeueBatch(context.Context, int, reading.Cursor) ([]reading.Reading, error) {
	return nil, nil
}

func (q *fakeQueue) Delete(context.Context, []int64) error { return nil }

func (q *fakeQueue) IncrementRetry(context.Context, []int64) error { return nil }

func (q *fakeQueue) Stats(context.Context) (reading.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats, nil
}

// panicQueue blows up on Stats to exercise the recovery middleware.
type panicQueue struct {
	fakeQueue
}

func (q *panicQueue) Stats(context.Context) (reading.Stats, error) {
	panic("stats exploded")
}

type fakeUploader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (u *fakeUploader) TriggerUpload(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	return u.err
}

func (u *fakeUploader) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

type fakeCollector struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *fakeCollector) RunCycle(context.Context) (collect.Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return collect.Summary{}, c.err
}

func (c *fakeCollector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testTracker(t *testing.T, q reading.Queue) *status.Tracker {
	t.Helper()

	tracker, err := status.NewTracker(status.TrackerOptions{
		AgentID: "site-042",
		SiteID:  "042",
		Version: "test",
		Queue:   q,
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tracker.RegisterDevices([]bacnet.Device{
		{ID: "meter-01", Name: "Main Incomer"},
		{ID: "meter-02", Name: "Chiller Plant"},
	})
	return tracker
}

func newServer(t *testing.T, tracker *status.Tracker, up UploadTrigger, col CollectTrigger) *Server {
	t.Helper()

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		Logger:    testLogger(),
		Tracker:   tracker,
		Uploader:  up,
		Collector: col,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv
}

// testServer creates a Server backed by a tracker with two registered meters.
func testServer(t *testing.T) (*Server, *fakeUploader, *fakeCollector) {
	t.Helper()

	uploader := &fakeUploader{}
	collector := &fakeCollector{}
	tracker := testTracker(t, &fakeQueue{stats: reading.Stats{Depth: 7}})
	return newServer(t, tracker, uploader, collector), uploader, collector
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	router := srv.buildRouter()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Constructor
// =============================================================================

func TestNew_Validation(t *testing.T) {
	tracker := testTracker(t, &fakeQueue{})

	if _, err := New(Deps{Tracker: tracker}); err == nil {
		t.Error("expected error when logger missing")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("expected error when tracker missing")
	}

	srv, err := New(Deps{Logger: testLogger(), Tracker: tracker})
	if err != nil {
		t.Fatalf("New() with required deps: %v", err)
	}
	if srv.uploader != nil || srv.collector != nil {
		t.Error("expected nil triggers to stay nil")
	}
}

// =============================================================================
// Health endpoint
// =============================================================================

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/health")

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestHealth_ContentType(t *testing.T) {
	srv, _, _ := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/health")

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

// =============================================================================
// Status and devices endpoints
// =============================================================================

func TestStatus(t *testing.T) {
	srv, _, _ := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/status")

	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		AgentID string `json:"agent_id"`
		Queue   struct {
			Depth int64 `json:"depth"`
		} `json:"queue"`
		Devices []status.DeviceState `json:"devices"`
		Runtime RuntimeStats         `json:"runtime"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp.AgentID != "site-042" {
		t.Errorf("agent_id = %q, want site-042", resp.AgentID)
	}
	if resp.Queue.Depth != 7 {
		t.Errorf("queue depth = %d, want 7", resp.Queue.Depth)
	}
	if len(resp.Devices) != 2 {
		t.Errorf("devices = %d, want 2", len(resp.Devices))
	}
	if resp.Runtime.Goroutines <= 0 {
		t.Errorf("runtime goroutines = %d, want > 0", resp.Runtime.Goroutines)
	}
}

func TestDevices(t *testing.T) {
	srv, _, _ := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/devices")

	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Devices []status.DeviceState `json:"devices"`
		Count   int                  `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp.Count != 2 || len(resp.Devices) != 2 {
		t.Fatalf("count = %d, devices = %d, want 2/2", resp.Count, len(resp.Devices))
	}
	if resp.Devices[0].DeviceID != "meter-01" || resp.Devices[1].DeviceID != "meter-02" {
		t.Errorf("devices out of registration order: %+v", resp.Devices)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/metrics")

	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected Prometheus exposition output")
	}
}

// =============================================================================
// Cycle triggers
// =============================================================================

func TestTriggerUpload(t *testing.T) {
	srv, uploader, _ := testServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/upload/trigger")

	if w.Code != http.StatusAccepted {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusAccepted)
	}
	waitFor(t, 2*time.Second, func() bool { return uploader.callCount() == 1 },
		"expected upload trigger to reach the manager")
}

func TestTriggerUpload_InFlight(t *testing.T) {
	srv, uploader, _ := testServer(t)
	uploader.err = uplink.ErrUploadInFlight

	w := doRequest(t, srv, http.MethodPost, "/api/v1/upload/trigger")

	// The handoff is still accepted; the manager refusing a concurrent
	// cycle is logged, not surfaced to the client.
	if w.Code != http.StatusAccepted {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusAccepted)
	}
	waitFor(t, 2*time.Second, func() bool { return uploader.callCount() == 1 },
		"expected upload trigger to reach the manager")
}

func TestTriggerUpload_Unavailable(t *testing.T) {
	srv := newServer(t, testTracker(t, &fakeQueue{}), nil, nil)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/upload/trigger")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	var resp Error
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Code != ErrCodeUnavailable {
		t.Errorf("code = %q, want %q", resp.Code, ErrCodeUnavailable)
	}
}

func TestTriggerCollect(t *testing.T) {
	srv, _, collector := testServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/collect/trigger")

	if w.Code != http.StatusAccepted {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusAccepted)
	}
	waitFor(t, 2*time.Second, func() bool { return collector.callCount() == 1 },
		"expected collect trigger to reach the runner")
}

func TestTriggerCollect_Unavailable(t *testing.T) {
	srv := newServer(t, testTracker(t, &fakeQueue{}), nil, nil)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/collect/trigger")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestTrigger_MethodNotAllowed(t *testing.T) {
	srv, uploader, _ := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/upload/trigger")

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}

	var resp Error
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Code != ErrCodeMethodNotAllow {
		t.Errorf("code = %q, want %q", resp.Code, ErrCodeMethodNotAllow)
	}
	if uploader.callCount() != 0 {
		t.Error("GET must not trigger an upload")
	}
}

// =============================================================================
// Middleware
// =============================================================================

func TestNotFound_JSON(t *testing.T) {
	srv, _, _ := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/nope")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusNotFound)
	}

	var resp Error
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", resp.Code, ErrCodeNotFound)
	}
}

func TestRequestID_Generated(t *testing.T) {
	srv, _, _ := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/health")

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestRecovery_PanicReturns500(t *testing.T) {
	srv := newServer(t, testTracker(t, &panicQueue{}), nil, nil)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/status")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusInternalServerError)
	}

	var resp Error
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Code != ErrCodeInternal {
		t.Errorf("code = %q, want %q", resp.Code, ErrCodeInternal)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestClose_BeforeStart(t *testing.T) {
	srv, _, _ := testServer(t)

	if err := srv.Close(); err != nil {
		t.Errorf("Close() before Start: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	srv, _, _ := testServer(t)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("expected error before Start")
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := srv.HealthCheck(cancelled); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestStartClose(t *testing.T) {
	srv, _, _ := testServer(t)

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck after Start: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
