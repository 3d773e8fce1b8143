package api

import (
	"errors"
	"net/http"
	"runtime"

	"github.com/meterpoint/metersync/internal/collect"
	"github.com/meterpoint/metersync/internal/status"
	"github.com/meterpoint/metersync/internal/uplink"
)

// RuntimeStats contains Go runtime statistics.
type RuntimeStats struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// statusResponse is a tracker snapshot augmented with runtime statistics.
type statusResponse struct {
	status.Snapshot
	Runtime RuntimeStats `json:"runtime"`
}

// handleStatus returns the full agent status snapshot.
//
// This is the same document the MQTT reporter publishes, plus Go runtime
// stats, so fleet tooling and an on-site curl see identical numbers.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot(r.Context())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	respond(w, http.StatusOK, statusResponse{
		Snapshot: snap,
		Runtime: RuntimeStats{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	})
}

// handleDevices returns per-device collection state.
func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.tracker.Devices()
	respond(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleTriggerUpload starts an upload cycle ahead of the retry schedule.
//
// The cycle runs in the background; the 202 response confirms the handoff
// only. A trigger that lands while a cycle is already in flight is a no-op.
func (s *Server) handleTriggerUpload(w http.ResponseWriter, _ *http.Request) {
	if s.uploader == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "upload manager not running")
		return
	}

	go func() {
		err := s.uploader.TriggerUpload(s.runCtx)
		switch {
		case err == nil:
		case errors.Is(err, uplink.ErrUploadInFlight):
			s.logger.Info("upload trigger ignored, cycle already in flight")
		default:
			s.logger.Warn("manually triggered upload failed", "error", err)
		}
	}()

	respond(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

// handleTriggerCollect starts a collection cycle outside the schedule.
func (s *Server) handleTriggerCollect(w http.ResponseWriter, _ *http.Request) {
	if s.collector == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "collection runner not running")
		return
	}

	go func() {
		_, err := s.collector.RunCycle(s.runCtx)
		switch {
		case err == nil:
		case errors.Is(err, collect.ErrCycleInFlight):
			s.logger.Info("collect trigger ignored, cycle already in flight")
		default:
			s.logger.Warn("manually triggered collection failed", "error", err)
		}
	}()

	respond(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}
