package server

import (
	"context"
	"log/slog"

	"github.com/stretchr/testify/mock"

	"github.com/jaapp/ha-marstek/pkg/log"
	"github.com/jaapp/ha-marstek/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type mockFleet struct {
	mock.Mock
}

var _ Fleet = (*mockFleet)(nil)

func (m *mockFleet) Data() types.FleetSnapshot {
	args := m.Called()
	return args.Get(0).(types.FleetSnapshot)
}

func (m *mockFleet) DeviceData(mac string) (types.Snapshot, error) {
	args := m.Called(mac)
	s, _ := args.Get(0).(types.Snapshot)
	return s, args.Error(1)
}

func (m *mockFleet) Devices() []types.DeviceInfo {
	args := m.Called()
	return args.Get(0).([]types.DeviceInfo)
}

func (m *mockFleet) CommandStats(mac string) (map[string]types.CommandStats, error) {
	args := m.Called(mac)
	s, _ := args.Get(0).(map[string]types.CommandStats)
	return s, args.Error(1)
}

func (m *mockFleet) SetESMode(ctx context.Context, mac string, cfg types.ModeConfig) (bool, error) {
	args := m.Called(ctx, mac, cfg)
	return args.Bool(0), args.Error(1)
}

func (m *mockFleet) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockFleet) RequestRefresh(ctx context.Context) {
	m.Called(ctx)
}

func (m *mockFleet) RequestDeviceRefresh(ctx context.Context, mac string) error {
	return m.Called(ctx, mac).Error(0)
}

const testMAC = "AABBCCDDEEFF"

func testDevice() types.DeviceInfo {
	return types.DeviceInfo{
		Name:     "Venus",
		Host:     "192.168.1.50",
		Port:     30000,
		Model:    "VenusE",
		Firmware: 154,
		BLEMAC:   "aa:bb:cc:dd:ee:ff",
	}
}

func testSnapshot() types.FleetSnapshot {
	soc := 55.0
	return types.FleetSnapshot{
		Devices: map[string]types.Snapshot{
			testMAC: {
				types.SubsystemES:      {"bat_power": float64(-300), "ongrid_power": float64(120)},
				types.SubsystemBattery: {"soc": float64(55), "rated_capacity": float64(5120), "charg_flag": true},
				types.SubsystemEM:      {"ct_state": float64(0)},
				types.SubsystemWiFi:    {"ssid": "home"},
			},
		},
		Aggregates: types.Aggregates{
			DeviceCount:       1,
			TotalBatteryPower: -300,
			TotalPowerOut:     300,
			AverageSOC:        &soc,
			CombinedState:     types.StateDischarging,
		},
	}
}

// newTestServer returns a Server without pauses between device writes.
func newTestServer(f Fleet) *Server {
	s := New(f)
	s.modeRetryDelay = 0
	s.slotDelay = 0
	s.clearDelay = 0
	return s
}
