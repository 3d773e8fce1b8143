// Package logging builds the agent's structured logger on log/slog.
//
// One Logger is created at startup from the logging section of
// config.yaml and threaded through every component, each tagging
// itself via With("component", ...). JSON output is the default so
// the fleet's log shipper can parse lines straight off stdout; text
// output exists for a human watching a gateway over SSH.
//
// Keep secrets out of log fields: uplink tokens and MQTT passwords
// never appear in attributes, only derived facts ("token configured").
package logging
