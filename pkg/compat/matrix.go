// Package compat converts raw device telemetry into physical units. The
// scale of several fields changed between hardware revisions and firmware
// releases, so the factor depends on both.
package compat

import (
	"strconv"
	"strings"

	"github.com/jaapp/ha-marstek/pkg/types"
)

// Field identifies a telemetry value that needs scaling.
type Field string

const (
	BatTemp               Field = "bat_temp"
	BatCapacity           Field = "bat_capacity"
	BatPower              Field = "bat_power"
	BatVoltage            Field = "bat_voltage"
	BatCurrent            Field = "bat_current"
	TotalGridInputEnergy  Field = "total_grid_input_energy"
	TotalGridOutputEnergy Field = "total_grid_output_energy"
	TotalLoadEnergy       Field = "total_load_energy"
)

// Fields scaled in the ES.GetStatus and Bat.GetStatus payloads.
var (
	ESFields      = []Field{BatPower, TotalGridInputEnergy, TotalGridOutputEnergy, TotalLoadEnergy}
	BatteryFields = []Field{BatTemp, BatCapacity, BatVoltage, BatCurrent}
)

// Hardware revisions.
const (
	HardwareV2 = "2.0"
	HardwareV3 = "3.0"
)

const pvModel = "VenusD"

type table map[Field]float64

type era struct {
	threshold int
	before    table
	after     table
}

// eras holds the divisor for each field per hardware revision. A firmware
// version at or above threshold uses the after table.
var eras = map[string]era{
	HardwareV2: {
		threshold: 154,
		before: table{
			BatTemp:               10,
			BatCapacity:           100,
			BatPower:              10,
			BatVoltage:            100,
			BatCurrent:            100,
			TotalGridInputEnergy:  100,
			TotalGridOutputEnergy: 100,
			TotalLoadEnergy:       100,
		},
		after: table{
			BatTemp:               1,
			BatCapacity:           1,
			BatPower:              1,
			BatVoltage:            100,
			BatCurrent:            100,
			TotalGridInputEnergy:  10,
			TotalGridOutputEnergy: 10,
			TotalLoadEnergy:       10,
		},
	},
	HardwareV3: {
		threshold: 139,
		before: table{
			BatTemp:               10,
			BatCapacity:           100,
			BatPower:              10,
			BatVoltage:            100,
			BatCurrent:            100,
			TotalGridInputEnergy:  100,
			TotalGridOutputEnergy: 100,
			TotalLoadEnergy:       100,
		},
		after: table{
			BatTemp:               10,
			BatCapacity:           1,
			BatPower:              1,
			BatVoltage:            100,
			BatCurrent:            10,
			TotalGridInputEnergy:  10,
			TotalGridOutputEnergy: 10,
			TotalLoadEnergy:       10,
		},
	},
}

// Matrix holds the scale factors for one model and firmware combination.
// It is immutable; build a new one when the model or firmware changes.
type Matrix struct {
	model     string
	baseModel string
	hardware  string
	firmware  int
	factors   table
}

// Info describes what a Matrix was built for.
type Info struct {
	DeviceModel     string `json:"device_model"`
	BaseModel       string `json:"base_model"`
	HardwareVersion string `json:"hardware_version"`
	FirmwareVersion int    `json:"firmware_version"`
}

// New returns the matrix for a device model string such as "VenusE 3.0" and
// its firmware version.
func New(model string, firmware int) *Matrix {
	base, hw := ParseModel(model)
	e, ok := eras[hw]
	if !ok {
		e = eras[HardwareV2]
	}
	factors := e.before
	if firmware >= e.threshold {
		factors = e.after
	}
	return &Matrix{
		model:     model,
		baseModel: base,
		hardware:  hw,
		firmware:  firmware,
		factors:   factors,
	}
}

// ParseModel splits a model string into the base model and hardware revision.
// A trailing "N.N" token is the revision; without one the device is 2.0.
func ParseModel(model string) (base, hardware string) {
	model = strings.TrimSpace(model)
	if i := strings.LastIndexByte(model, ' '); i > 0 {
		tok := model[i+1:]
		if _, err := strconv.ParseFloat(tok, 64); err == nil && strings.Contains(tok, ".") {
			return strings.TrimSpace(model[:i]), tok
		}
	}
	return model, HardwareV2
}

// HasPV reports whether the model has PV inputs and answers PV.GetStatus.
func HasPV(model string) bool {
	base, _ := ParseModel(model)
	return base == pvModel
}

// Factor returns the divisor for field, 1 for unknown fields.
func (m *Matrix) Factor(field Field) float64 {
	if f, ok := m.factors[field]; ok {
		return f
	}
	return 1
}

// Scale converts a raw value. A nil raw value stays nil.
func (m *Matrix) Scale(raw *float64, field Field) *float64 {
	if raw == nil {
		return nil
	}
	v := *raw / m.Factor(field)
	return &v
}

// Apply returns a copy of p with every listed numeric field scaled. Missing
// and null fields are left as they are.
func (m *Matrix) Apply(p types.Payload, fields ...Field) types.Payload {
	if p == nil {
		return nil
	}
	out := p.Clone()
	for _, f := range fields {
		raw, ok := p.Float(string(f))
		if !ok {
			continue
		}
		out[string(f)] = *m.Scale(&raw, f)
	}
	return out
}

// Info returns what the matrix was built from.
func (m *Matrix) Info() Info {
	return Info{
		DeviceModel:     m.model,
		BaseModel:       m.baseModel,
		HardwareVersion: m.hardware,
		FirmwareVersion: m.firmware,
	}
}

// Matches reports whether the matrix was built for model and firmware.
func (m *Matrix) Matches(model string, firmware int) bool {
	return m.model == model && m.firmware == firmware
}
