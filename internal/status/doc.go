// Package status aggregates the agent's observable state and pushes it
// outward.
//
// The Tracker is the single aggregation point: collection cycles, upload
// cycles and per-device outcomes are recorded as they happen, and live
// gauges (queue depth, connectivity, backoff state) are pulled from their
// owning components at snapshot time. A Snapshot answers the operator's
// three questions at a glance: are reads failing, are uploads failing, or
// is everything healthy and just backlogged.
//
// Prometheus metrics are updated alongside the tracker so the /metrics
// endpoint and the JSON status surface never disagree.
//
// The Reporter publishes retained snapshots to MQTT on an interval, and
// the CommandListener accepts remote "upload" / "collect" triggers from
// the same broker. Both are optional sidebands: the reading pipeline
// works identically without them.
package status
