package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/jaapp/ha-marstek/pkg/ess"
	"github.com/jaapp/ha-marstek/pkg/log"
	"github.com/jaapp/ha-marstek/pkg/types"
	"github.com/stretchr/testify/mock"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type mockDevice struct {
	mock.Mock
}

var _ ess.Conn = (*mockDevice)(nil)

func payloadArgs(args mock.Arguments) (types.Payload, error) {
	p, _ := args.Get(0).(types.Payload)
	return p, args.Error(1)
}

func (m *mockDevice) GetDeviceInfo(ctx context.Context) (types.Payload, error) {
	return payloadArgs(m.Called(ctx))
}

func (m *mockDevice) GetBatteryStatus(ctx context.Context) (types.Payload, error) {
	return payloadArgs(m.Called(ctx))
}

func (m *mockDevice) GetESStatus(ctx context.Context) (types.Payload, error) {
	return payloadArgs(m.Called(ctx))
}

func (m *mockDevice) GetESMode(ctx context.Context) (types.Payload, error) {
	return payloadArgs(m.Called(ctx))
}

func (m *mockDevice) GetEMStatus(ctx context.Context) (types.Payload, error) {
	return payloadArgs(m.Called(ctx))
}

func (m *mockDevice) GetPVStatus(ctx context.Context) (types.Payload, error) {
	return payloadArgs(m.Called(ctx))
}

func (m *mockDevice) GetWiFiStatus(ctx context.Context) (types.Payload, error) {
	return payloadArgs(m.Called(ctx))
}

func (m *mockDevice) GetBLEStatus(ctx context.Context) (types.Payload, error) {
	return payloadArgs(m.Called(ctx))
}

func (m *mockDevice) SetESMode(ctx context.Context, cfg types.ModeConfig) (bool, error) {
	args := m.Called(ctx, cfg)
	return args.Bool(0), args.Error(1)
}

func (m *mockDevice) CommandStats(method string) (types.CommandStats, bool) {
	args := m.Called(method)
	return args.Get(0).(types.CommandStats), args.Bool(1)
}

func (m *mockDevice) AllCommandStats() map[string]types.CommandStats {
	args := m.Called()
	return args.Get(0).(map[string]types.CommandStats)
}

func (m *mockDevice) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockDevice) Disconnect() error {
	return m.Called().Error(0)
}

// reads maps every read method to the subsystem it fills.
var reads = map[string]string{
	"GetDeviceInfo":    types.SubsystemDevice,
	"GetESStatus":      types.SubsystemES,
	"GetBatteryStatus": types.SubsystemBattery,
	"GetEMStatus":      types.SubsystemEM,
	"GetPVStatus":      types.SubsystemPV,
	"GetESMode":        types.SubsystemMode,
	"GetWiFiStatus":    types.SubsystemWiFi,
	"GetBLEStatus":     types.SubsystemBLE,
}

func devicePayloads(model string, firmware int, power float64) map[string]types.Payload {
	return map[string]types.Payload{
		types.SubsystemDevice:  {"device": model, "ver": float64(firmware), "ble_mac": "aabbccddeeff"},
		types.SubsystemES:      {"bat_power": power, "ongrid_power": float64(150), "total_load_energy": float64(12000)},
		types.SubsystemBattery: {"soc": float64(50), "rated_capacity": float64(2000), "bat_capacity": float64(100000), "bat_temp": float64(250)},
		types.SubsystemEM:      {"total_power": float64(370)},
		types.SubsystemPV:      {"pv_power": float64(80)},
		types.SubsystemMode:    {"mode": types.ModeAuto},
		types.SubsystemWiFi:    {"rssi": float64(-50)},
		types.SubsystemBLE:     {"state": "connect"},
	}
}

// expectReads makes every read answer with payloads. Expectations added
// before calling it take precedence.
func expectReads(m *mockDevice, payloads map[string]types.Payload) {
	for method, subsystem := range reads {
		m.On(method, mock.Anything).Return(payloads[subsystem], nil).Maybe()
	}
	m.On("AllCommandStats").Return(map[string]types.CommandStats{
		"ES.GetStatus": {TotalAttempts: 4, TotalSuccess: 3, TotalTimeouts: 1},
	}).Maybe()
}

func testOptions() Options {
	return Options{
		ScanInterval: 60 * time.Second,
		MediumEvery:  DefaultMediumEvery,
		SlowEvery:    DefaultSlowEvery,
	}
}

type mockDialer struct {
	conns map[string]ess.Conn
}

func (d *mockDialer) Device(info types.DeviceInfo) ess.Conn {
	return d.conns[info.Host]
}
