package collect

import (
	"fmt"

	"github.com/meterpoint/metersync/internal/bacnet"
	"github.com/meterpoint/metersync/internal/infrastructure/config"
)

// BuildDevices maps the configured device inventory onto BACnet
// devices, parsing every object reference up front. A typo in a
// register reference fails startup instead of erroring on every
// collection cycle.
func BuildDevices(cfgs []config.DeviceConfig) ([]bacnet.Device, error) {
	devices := make([]bacnet.Device, 0, len(cfgs))

	for _, dc := range cfgs {
		dev := bacnet.Device{
			ID:        dc.ID,
			Name:      dc.Name,
			Address:   dc.Address,
			Registers: make([]bacnet.Register, 0, len(dc.Registers)),
		}
		for i, rc := range dc.Registers {
			obj, err := bacnet.ParseObjectRef(rc.Object)
			if err != nil {
				return nil, fmt.Errorf("device %q: registers[%d] (%s): %w", dc.ID, i, rc.DataPoint, err)
			}
			dev.Registers = append(dev.Registers, bacnet.Register{
				DataPoint: rc.DataPoint,
				Object:    obj,
				Unit:      rc.Unit,
			})
		}
		devices = append(devices, dev)
	}

	return devices, nil
}
