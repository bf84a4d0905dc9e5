package coordinator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jaapp/ha-marstek/pkg/types"
)

// DevicesFile is the layout of the static device list.
//
//	devices:
//	  - name: Garage
//	    host: 192.168.1.40
//	    model: VenusE
//	    firmware: 154
//	    ble_mac: aa:bb:cc:dd:ee:ff
type DevicesFile struct {
	Devices []types.DeviceInfo `yaml:"devices"`
}

// LoadDevicesFile reads a YAML device list.
func LoadDevicesFile(path string) ([]types.DeviceInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	return ParseDevices(b)
}

// ParseDevices decodes a YAML device list and checks every entry has a host.
func ParseDevices(b []byte) ([]types.DeviceInfo, error) {
	var f DevicesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}
	for i, d := range f.Devices {
		if d.Host == "" {
			return nil, fmt.Errorf("device %d has no host", i)
		}
		if d.Name == "" {
			f.Devices[i].Name = d.Host
		}
	}
	return f.Devices, nil
}
