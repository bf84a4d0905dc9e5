package ess

import (
	"context"
	"errors"
	"fmt"

	"github.com/jaapp/ha-marstek/pkg/types"
)

// Device defines the read and write operations of a Marstek energy storage
// system. A nil payload with a nil error means the device did not answer in
// time.
type Device interface {
	// GetDeviceInfo returns the identity payload (device, ver, ble_mac, wifi_mac, ip).
	GetDeviceInfo(ctx context.Context) (types.Payload, error)
	GetBatteryStatus(ctx context.Context) (types.Payload, error)
	GetESStatus(ctx context.Context) (types.Payload, error)
	GetESMode(ctx context.Context) (types.Payload, error)
	GetEMStatus(ctx context.Context) (types.Payload, error)
	GetPVStatus(ctx context.Context) (types.Payload, error)
	GetWiFiStatus(ctx context.Context) (types.Payload, error)
	GetBLEStatus(ctx context.Context) (types.Payload, error)

	// SetESMode switches the operating mode and reports whether the device
	// accepted it.
	SetESMode(ctx context.Context, cfg types.ModeConfig) (bool, error)

	// CommandStats returns the statistics for method and false if it was never attempted.
	CommandStats(method string) (types.CommandStats, bool)
	AllCommandStats() map[string]types.CommandStats
}

// Conn is a Device with a connection lifecycle.
type Conn interface {
	Device
	Connect(ctx context.Context) error
	Disconnect() error
}

// ErrNotConnected is returned when sending on a client without a socket.
var ErrNotConnected = errors.New("not connected")

// APIError is returned when the device rejects a request with an error object
// or when the request could not be sent at all. Err is set only for the
// latter.
type APIError struct {
	Method  string
	Code    int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("%s: api error %d: %s", e.Method, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Protocol reports whether the device answered with an explicit error.
func (e *APIError) Protocol() bool {
	return e.Err == nil
}
