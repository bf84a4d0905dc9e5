package sensor

import (
	"strconv"

	"github.com/jaapp/ha-marstek/pkg/types"
)

// Units used by the descriptions.
const (
	UnitPercent = "%"
	UnitCelsius = "°C"
	UnitWatt    = "W"
	UnitWh      = "Wh"
	UnitVolt    = "V"
	UnitAmpere  = "A"
	UnitDBm     = "dBm"
	UnitSeconds = "s"
)

// Description maps a stable key to a value extracted from a device snapshot.
type Description struct {
	Key  string
	Name string
	Unit string
	// PVOnly marks sensors that exist only on PV-capable models.
	PVOnly bool
	Value  func(types.Snapshot) (float64, bool)
}

// AggregateDescription maps a stable key to a system-wide value.
type AggregateDescription struct {
	Key   string
	Name  string
	Unit  string
	Value func(types.Aggregates) (float64, bool)
}

// BinaryDescription maps a stable key to an on/off device state.
type BinaryDescription struct {
	Key   string
	Name  string
	Value func(types.Snapshot) (bool, bool)
}

// TextDescription maps a stable key to a textual device value.
type TextDescription struct {
	Key   string
	Name  string
	Value func(types.Snapshot) (string, bool)
}

// AggregateTextDescription maps a stable key to a textual system-wide value.
type AggregateTextDescription struct {
	Key   string
	Name  string
	Value func(types.Aggregates) (string, bool)
}

// States reported by the BLE and energy meter subsystems.
const (
	BLEStateConnect  = "connect"
	CTStateConnected = 1
)

func field(subsystem, key string) func(types.Snapshot) (float64, bool) {
	return func(s types.Snapshot) (float64, bool) {
		return s.Float(subsystem, key)
	}
}

// Descriptions lists every numeric device sensor.
var Descriptions = []Description{
	{Key: "battery_soc", Name: "State of charge", Unit: UnitPercent, Value: field(types.SubsystemBattery, "soc")},
	{Key: "battery_temperature", Name: "Temperature", Unit: UnitCelsius, Value: field(types.SubsystemBattery, "bat_temp")},
	{Key: "battery_capacity", Name: "Remaining capacity", Unit: UnitWh, Value: field(types.SubsystemBattery, "bat_capacity")},
	{Key: "battery_rated_capacity", Name: "Rated capacity", Unit: UnitWh, Value: field(types.SubsystemBattery, "rated_capacity")},
	{Key: "battery_power", Name: "Battery power", Unit: UnitWatt, Value: field(types.SubsystemES, "bat_power")},
	{Key: "battery_power_in", Name: "Battery power in", Unit: UnitWatt, Value: func(s types.Snapshot) (float64, bool) {
		p, ok := s.Float(types.SubsystemES, "bat_power")
		return max(0, p), ok
	}},
	{Key: "battery_power_out", Name: "Battery power out", Unit: UnitWatt, Value: func(s types.Snapshot) (float64, bool) {
		p, ok := s.Float(types.SubsystemES, "bat_power")
		return max(0, -p), ok
	}},
	{Key: "battery_available_capacity", Name: "Available capacity", Unit: UnitWh, Value: AvailableCapacity},
	{Key: "grid_power", Name: "Grid power", Unit: UnitWatt, Value: field(types.SubsystemES, "ongrid_power")},
	{Key: "offgrid_power", Name: "Off-grid power", Unit: UnitWatt, Value: field(types.SubsystemES, "offgrid_power")},
	{Key: "pv_power_es", Name: "Solar power", Unit: UnitWatt, Value: field(types.SubsystemES, "pv_power")},
	{Key: "total_pv_energy", Name: "Total solar energy", Unit: UnitWh, Value: field(types.SubsystemES, "total_pv_energy")},
	{Key: "total_grid_import", Name: "Total grid import", Unit: UnitWh, Value: field(types.SubsystemES, "total_grid_input_energy")},
	{Key: "total_grid_export", Name: "Total grid export", Unit: UnitWh, Value: field(types.SubsystemES, "total_grid_output_energy")},
	{Key: "total_load_energy", Name: "Total load energy", Unit: UnitWh, Value: field(types.SubsystemES, "total_load_energy")},
	{Key: "ct_phase_a_power", Name: "Phase A power", Unit: UnitWatt, Value: field(types.SubsystemEM, "a_power")},
	{Key: "ct_phase_b_power", Name: "Phase B power", Unit: UnitWatt, Value: field(types.SubsystemEM, "b_power")},
	{Key: "ct_phase_c_power", Name: "Phase C power", Unit: UnitWatt, Value: field(types.SubsystemEM, "c_power")},
	{Key: "ct_total_power", Name: "Total CT power", Unit: UnitWatt, Value: field(types.SubsystemEM, "total_power")},
	{Key: "wifi_rssi", Name: "Wi-Fi signal strength", Unit: UnitDBm, Value: field(types.SubsystemWiFi, "rssi")},
	{Key: "last_message_received", Name: "Last message received", Unit: UnitSeconds, Value: field(types.SubsystemDiagnostic, "last_message_seconds")},
	{Key: "pv_power", Name: "PV power", Unit: UnitWatt, PVOnly: true, Value: field(types.SubsystemPV, "pv_power")},
	{Key: "pv_voltage", Name: "PV voltage", Unit: UnitVolt, PVOnly: true, Value: field(types.SubsystemPV, "pv_voltage")},
	{Key: "pv_current", Name: "PV current", Unit: UnitAmpere, PVOnly: true, Value: field(types.SubsystemPV, "pv_current")},
}

func flag(subsystem, key string) func(types.Snapshot) (bool, bool) {
	return func(s types.Snapshot) (bool, bool) {
		v, ok := s.Float(subsystem, key)
		return v != 0, ok
	}
}

func text(subsystem, key string) func(types.Snapshot) (string, bool) {
	return func(s types.Snapshot) (string, bool) {
		v, ok := s.Get(subsystem)[key]
		if !ok || v == nil {
			return "", false
		}
		switch v := v.(type) {
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		}
		return "", false
	}
}

// BinaryDescriptions lists every on/off device sensor.
var BinaryDescriptions = []BinaryDescription{
	{Key: "charging_enabled", Name: "Charging enabled", Value: flag(types.SubsystemBattery, "charg_flag")},
	{Key: "discharging_enabled", Name: "Discharging enabled", Value: flag(types.SubsystemBattery, "dischrg_flag")},
	{Key: "bluetooth_connected", Name: "Bluetooth connected", Value: func(s types.Snapshot) (bool, bool) {
		state := s.Get(types.SubsystemBLE).String("state")
		return state == BLEStateConnect, state != ""
	}},
	{Key: "ct_connected", Name: "CT connected", Value: func(s types.Snapshot) (bool, bool) {
		v, ok := s.Float(types.SubsystemEM, "ct_state")
		return v == CTStateConnected, ok
	}},
}

// TextDescriptions lists every textual device sensor.
var TextDescriptions = []TextDescription{
	{Key: "wifi_ssid", Name: "Wi-Fi network", Value: text(types.SubsystemWiFi, "ssid")},
	{Key: "wifi_ip", Name: "Wi-Fi IP address", Value: text(types.SubsystemWiFi, "sta_ip")},
	{Key: "wifi_gateway", Name: "Wi-Fi gateway", Value: text(types.SubsystemWiFi, "sta_gate")},
	{Key: "wifi_subnet", Name: "Wi-Fi subnet mask", Value: text(types.SubsystemWiFi, "sta_mask")},
	{Key: "wifi_dns", Name: "Wi-Fi DNS server", Value: text(types.SubsystemWiFi, "sta_dns")},
	{Key: "device_model", Name: "Device model", Value: text(types.SubsystemDevice, "device")},
	{Key: "firmware_version", Name: "Firmware version", Value: text(types.SubsystemDevice, "ver")},
	{Key: "ble_mac", Name: "Bluetooth MAC", Value: text(types.SubsystemDevice, "ble_mac")},
	{Key: "wifi_mac", Name: "Wi-Fi MAC", Value: text(types.SubsystemDevice, "wifi_mac")},
	{Key: "device_ip", Name: "Device IP address", Value: text(types.SubsystemDevice, "ip")},
	{Key: "operating_mode", Name: "Operating mode", Value: text(types.SubsystemMode, "mode")},
	{Key: "battery_state", Name: "Battery state", Value: func(s types.Snapshot) (string, bool) {
		if _, ok := s.Float(types.SubsystemES, "bat_power"); !ok {
			return "", false
		}
		return BatteryState(s), true
	}},
}

// AggregateTextDescriptions lists every textual system-wide sensor.
var AggregateTextDescriptions = []AggregateTextDescription{
	{Key: "system_combined_state", Name: "Combined state", Value: func(a types.Aggregates) (string, bool) {
		return a.CombinedState, a.CombinedState != ""
	}},
}

// AvailableCapacity is the energy that can still be charged.
func AvailableCapacity(s types.Snapshot) (float64, bool) {
	soc, ok := s.Float(types.SubsystemBattery, "soc")
	if !ok {
		return 0, false
	}
	rated, ok := s.Float(types.SubsystemBattery, "rated_capacity")
	if !ok {
		return 0, false
	}
	return (100 - soc) * rated / 100, true
}

// BatteryState returns charging, discharging or idle from the battery power.
func BatteryState(s types.Snapshot) string {
	p, _ := s.Float(types.SubsystemES, "bat_power")
	switch {
	case p > 0:
		return types.StateCharging
	case p < 0:
		return types.StateDischarging
	}
	return types.StateIdle
}

func optional(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}

// AggregateDescriptions lists every system-wide sensor.
var AggregateDescriptions = []AggregateDescription{
	{Key: "system_total_power", Name: "Total battery power", Unit: UnitWatt, Value: func(a types.Aggregates) (float64, bool) { return a.TotalBatteryPower, true }},
	{Key: "system_total_power_in", Name: "Total power in", Unit: UnitWatt, Value: func(a types.Aggregates) (float64, bool) { return a.TotalPowerIn, true }},
	{Key: "system_total_power_out", Name: "Total power out", Unit: UnitWatt, Value: func(a types.Aggregates) (float64, bool) { return a.TotalPowerOut, true }},
	{Key: "system_total_rated_capacity", Name: "Total rated capacity", Unit: UnitWh, Value: func(a types.Aggregates) (float64, bool) { return a.TotalRatedCapacity, true }},
	{Key: "system_total_remaining_capacity", Name: "Total remaining capacity", Unit: UnitWh, Value: func(a types.Aggregates) (float64, bool) { return a.TotalRemainingCapacity, true }},
	{Key: "system_total_available_capacity", Name: "Total available capacity", Unit: UnitWh, Value: func(a types.Aggregates) (float64, bool) { return optional(a.TotalAvailableCapacity) }},
	{Key: "system_average_soc", Name: "Average state of charge", Unit: UnitPercent, Value: func(a types.Aggregates) (float64, bool) { return optional(a.AverageSOC) }},
	{Key: "system_total_solar_power", Name: "Total solar power", Unit: UnitWatt, Value: func(a types.Aggregates) (float64, bool) { return a.TotalSolarPower, true }},
	{Key: "system_total_pv_energy", Name: "Total solar energy", Unit: UnitWh, Value: func(a types.Aggregates) (float64, bool) { return a.TotalPVEnergy, true }},
	{Key: "system_total_grid_power", Name: "Total grid power", Unit: UnitWatt, Value: func(a types.Aggregates) (float64, bool) { return a.TotalGridPower, true }},
	{Key: "system_total_grid_import", Name: "Total grid import", Unit: UnitWh, Value: func(a types.Aggregates) (float64, bool) { return a.TotalGridImport, true }},
	{Key: "system_total_grid_export", Name: "Total grid export", Unit: UnitWh, Value: func(a types.Aggregates) (float64, bool) { return a.TotalGridExport, true }},
	{Key: "system_total_load_energy", Name: "Total load energy", Unit: UnitWh, Value: func(a types.Aggregates) (float64, bool) { return a.TotalLoadEnergy, true }},
	{Key: "system_total_offgrid_power", Name: "Total off-grid power", Unit: UnitWatt, Value: func(a types.Aggregates) (float64, bool) { return a.TotalOffGridPower, true }},
}

// Values evaluates every device description against s. Missing values are
// left out.
func Values(s types.Snapshot) map[string]float64 {
	out := make(map[string]float64, len(Descriptions))
	for _, d := range Descriptions {
		if v, ok := d.Value(s); ok {
			out[d.Key] = v
		}
	}
	return out
}

// AggregateValues evaluates every aggregate description against a.
func AggregateValues(a types.Aggregates) map[string]float64 {
	out := make(map[string]float64, len(AggregateDescriptions))
	for _, d := range AggregateDescriptions {
		if v, ok := d.Value(a); ok {
			out[d.Key] = v
		}
	}
	return out
}

// BinaryValues evaluates every binary description against s.
func BinaryValues(s types.Snapshot) map[string]bool {
	out := make(map[string]bool, len(BinaryDescriptions))
	for _, d := range BinaryDescriptions {
		if v, ok := d.Value(s); ok {
			out[d.Key] = v
		}
	}
	return out
}

// TextValues evaluates every text description against s.
func TextValues(s types.Snapshot) map[string]string {
	out := make(map[string]string, len(TextDescriptions))
	for _, d := range TextDescriptions {
		if v, ok := d.Value(s); ok {
			out[d.Key] = v
		}
	}
	return out
}

// AggregateTextValues evaluates every aggregate text description against a.
func AggregateTextValues(a types.Aggregates) map[string]string {
	out := make(map[string]string, len(AggregateTextDescriptions))
	for _, d := range AggregateTextDescriptions {
		if v, ok := d.Value(a); ok {
			out[d.Key] = v
		}
	}
	return out
}
