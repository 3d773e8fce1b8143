package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteReading mirrors one collected meter reading.
//
// The write is non-blocking; points are batched and sent asynchronously.
// Readings carry their collection timestamp, not the write time, so
// late-mirrored rows land in the right place on dashboards.
//
// Parameters:
//   - deviceID: Device identifier (e.g. "meter-main-incomer")
//   - dataPoint: The measurement name (e.g. "energy_kwh", "flow_rate")
//   - value: The collected value
//   - unit: Engineering unit tag, empty to omit
//   - timestamp: When the reading was collected
//
// Example:
//
//	client.WriteReading("meter-main-incomer", "energy_kwh", 48211.5, "kWh", ts)
func (c *Client) WriteReading(deviceID, dataPoint string, value float64, unit string, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"device_id":  deviceID,
		"data_point": dataPoint,
	}
	if unit != "" {
		tags["unit"] = unit
	}

	point := write.NewPoint(
		"meter_readings",
		tags,
		map[string]interface{}{
			"value": value,
		},
		timestamp,
	)

	c.writeAPI.WritePoint(point)
}

// WriteCycleStats records one device's collection-cycle outcome.
//
// Used for per-device collection health dashboards: how many registers
// answered, how many failed, and how long the device took.
//
// Parameters:
//   - deviceID: Device identifier
//   - okCount: Registers that produced a value
//   - errorCount: Registers that produced an error
//   - offline: Whether the device failed its connectivity probe
//   - duration: Wall time spent on the device
func (c *Client) WriteCycleStats(deviceID string, okCount, errorCount int, offline bool, duration time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"collection_cycles",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"ok_count":    okCount,
			"error_count": errorCount,
			"offline":     offline,
			"duration_ms": duration.Milliseconds(),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
