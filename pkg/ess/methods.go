package ess

import (
	"context"

	"github.com/jaapp/ha-marstek/pkg/types"
)

// Methods of the Marstek local API.
const (
	MethodGetDevice     = "Marstek.GetDevice"
	MethodWiFiStatus    = "Wifi.GetStatus"
	MethodBLEStatus     = "BLE.GetStatus"
	MethodBatteryStatus = "Bat.GetStatus"
	MethodPVStatus      = "PV.GetStatus"
	MethodESStatus      = "ES.GetStatus"
	MethodESMode        = "ES.GetMode"
	MethodESSetMode     = "ES.SetMode"
	MethodEMStatus      = "EM.GetStatus"
)

func (c *Client) call(ctx context.Context, method string, params any) (types.Payload, error) {
	return c.SendCommand(ctx, method, params, c.timeout, c.maxAttempts)
}

// GetDeviceInfo sends Marstek.GetDevice and returns the device identity.
func (c *Client) GetDeviceInfo(ctx context.Context) (types.Payload, error) {
	return c.call(ctx, MethodGetDevice, map[string]any{"ble_mac": "0"})
}

// GetWiFiStatus returns the Wi-Fi connection details.
func (c *Client) GetWiFiStatus(ctx context.Context) (types.Payload, error) {
	return c.call(ctx, MethodWiFiStatus, nil)
}

// GetBLEStatus returns the Bluetooth connection state.
func (c *Client) GetBLEStatus(ctx context.Context) (types.Payload, error) {
	return c.call(ctx, MethodBLEStatus, nil)
}

// GetBatteryStatus returns state of charge, temperature and capacity.
func (c *Client) GetBatteryStatus(ctx context.Context) (types.Payload, error) {
	return c.call(ctx, MethodBatteryStatus, nil)
}

// GetPVStatus returns the solar input. Only PV-capable models answer.
func (c *Client) GetPVStatus(ctx context.Context) (types.Payload, error) {
	return c.call(ctx, MethodPVStatus, nil)
}

// GetESStatus returns battery, grid and load power with energy totals.
func (c *Client) GetESStatus(ctx context.Context) (types.Payload, error) {
	return c.call(ctx, MethodESStatus, nil)
}

// GetESMode returns the current operating mode.
func (c *Client) GetESMode(ctx context.Context) (types.Payload, error) {
	return c.call(ctx, MethodESMode, nil)
}

// GetEMStatus returns the energy meter readings per phase.
func (c *Client) GetEMStatus(ctx context.Context) (types.Payload, error) {
	return c.call(ctx, MethodEMStatus, nil)
}

// SetESMode sends ES.SetMode and returns the device's set_result. A timeout
// is reported as false with no error.
func (c *Client) SetESMode(ctx context.Context, cfg types.ModeConfig) (bool, error) {
	res, err := c.call(ctx, MethodESSetMode, map[string]any{"id": 0, "config": cfg})
	if err != nil || res == nil {
		return false, err
	}
	v, ok := res.Float("set_result")
	return ok && v != 0, nil
}
