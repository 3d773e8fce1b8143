// Package api implements the local HTTP API for the meter sync agent.
//
// This package provides:
//   - Health, status, and per-device endpoints for fleet monitoring
//   - A Prometheus scrape endpoint at /metrics
//   - Manual upload and collection triggers for commissioning and support
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Architecture
//
// The server is a read-mostly window onto the agent. Everything it serves
// comes from the status tracker; the only writes it accepts are cycle
// triggers, which hand off to the upload manager and collection runner in
// the background and return 202 immediately. The reading pipeline never
// depends on the API — stopping or firewalling it affects observability
// only.
//
// # Security
//
// Endpoints carry no authentication: the listener is meant for loopback
// or a management VLAN behind the site firewall. Anything that changes
// agent behaviour beyond starting a cycle (device lists, schedules,
// credentials) lives in the config file, not here.
package api
