// Package influxdb mirrors collected readings into a site-local
// InfluxDB bucket, wrapping the official influxdb-client-go v2
// library.
//
// Sites that run their own InfluxDB get every reading and each
// device's cycle outcome as points for local dashboards, independent
// of the upload path. The mirror is strictly best-effort: points are
// batched and written in the background, write failures surface only
// through the SetOnError callback, and a down or slow server never
// blocks collection, queueing or upload.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    // a failed mirror is the operator's call, not fatal to the agent
//	}
//	defer client.Close()
//	client.WriteReading("meter-main-incomer", "energy_kwh", 48211.5, "kWh", ts)
//
// The client is safe for concurrent use. Batch size and flush interval
// come from the influxdb block in config.yaml, so network overhead
// stays flat however many registers a cycle collects.
package influxdb
