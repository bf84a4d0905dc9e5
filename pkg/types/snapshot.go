package types

import (
	"encoding/json"
	"maps"
)

// Subsystem names used as keys of a Snapshot.
const (
	SubsystemDevice     = "device"
	SubsystemES         = "es"
	SubsystemBattery    = "battery"
	SubsystemEM         = "em"
	SubsystemPV         = "pv"
	SubsystemWiFi       = "wifi"
	SubsystemBLE        = "ble"
	SubsystemMode       = "mode"
	SubsystemDiagnostic = "_diagnostic"
)

// Payload is a decoded result object from the device. Numbers are float64 as
// produced by encoding/json.
type Payload map[string]any

// Float returns the numeric value stored under key. Booleans are reported as
// 0/1 since some firmware sends flags as either.
func (p Payload) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// String returns the string stored under key or "".
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Snapshot maps a subsystem name to the most recent payload fetched for it.
// A published Snapshot is never mutated; updates build a new one.
type Snapshot map[string]Payload

// Get returns the payload for a subsystem, or nil.
func (s Snapshot) Get(subsystem string) Payload {
	return s[subsystem]
}

// Float is shorthand for s.Get(subsystem).Float(key).
func (s Snapshot) Float(subsystem, key string) (float64, bool) {
	return s[subsystem].Float(key)
}

// Clone returns a copy of the snapshot. Payloads are shared since they are
// replaced wholesale, never edited.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s)+1)
	maps.Copy(out, s)
	return out
}

// Empty reports whether the snapshot holds no device data. The diagnostic
// entry alone does not count.
func (s Snapshot) Empty() bool {
	for k := range s {
		if k != SubsystemDiagnostic {
			return false
		}
	}
	return true
}

// Aggregates are system-wide values derived from every device snapshot.
type Aggregates struct {
	DeviceCount            int      `json:"device_count"`
	TotalBatteryPower      float64  `json:"total_battery_power"`
	TotalPowerIn           float64  `json:"total_power_in"`
	TotalPowerOut          float64  `json:"total_power_out"`
	TotalRatedCapacity     float64  `json:"total_rated_capacity"`
	TotalRemainingCapacity float64  `json:"total_remaining_capacity"`
	AverageSOC             *float64 `json:"average_soc"`
	TotalAvailableCapacity *float64 `json:"total_available_capacity"`
	CombinedState          string   `json:"combined_state"`
	TotalSolarPower        float64  `json:"total_solar_power"`
	TotalPVEnergy          float64  `json:"total_pv_energy"`
	TotalGridPower         float64  `json:"total_grid_power"`
	TotalGridImport        float64  `json:"total_grid_import"`
	TotalGridExport        float64  `json:"total_grid_export"`
	TotalLoadEnergy        float64  `json:"total_load_energy"`
	TotalOffGridPower      float64  `json:"total_offgrid_power"`
}

// Combined battery states reported in Aggregates.CombinedState.
const (
	StateCharging          = "charging"
	StateDischarging       = "discharging"
	StateIdle              = "idle"
	StateConflicting       = "conflicting"
	StatePartlyCharging    = "partly_charging"
	StatePartlyDischarging = "partly_discharging"
	StateUnknown           = "unknown"
)

// FleetSnapshot is the combined view over several devices keyed by MAC.
type FleetSnapshot struct {
	Devices    map[string]Snapshot `json:"devices"`
	Aggregates Aggregates          `json:"aggregates"`
}
