package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaapp/ha-marstek/pkg/sensor"
	"github.com/jaapp/ha-marstek/pkg/types"
)

func metricsFleet() *mockFleet {
	f := &mockFleet{}
	f.On("Data").Return(testSnapshot())
	f.On("Devices").Return([]types.DeviceInfo{testDevice()})
	f.On("CommandStats", testMAC).Return(map[string]types.CommandStats{
		"ES.GetStatus": {TotalAttempts: 4, TotalSuccess: 3, TotalTimeouts: 1, LastLatency: 120 * time.Millisecond},
	}, nil)
	return f
}

// count gathers c and returns how many samples name has.
func count(t *testing.T, c prometheus.Collector, name string) int {
	t.Helper()
	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(c))
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return len(mf.GetMetric())
		}
	}
	return 0
}

func TestCollectorDescribe(t *testing.T) {
	c := NewCollector(&mockFleet{})
	ch := make(chan *prometheus.Desc, 100)
	go func() {
		c.Describe(ch)
		close(ch)
	}()
	var n int
	for range ch {
		n++
	}
	assert.Equal(t, len(sensor.Descriptions)+len(sensor.BinaryDescriptions)+len(sensor.AggregateDescriptions)+9, n)
}

func TestCollectorCollect(t *testing.T) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(metricsFleet()))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["marstek_battery_soc"])
	assert.True(t, names["marstek_battery_power_out"])
	assert.True(t, names["marstek_system_total_power"])
	assert.True(t, names["marstek_command_attempts_total"])
	assert.False(t, names["marstek_pv_voltage"], "absent values are not exported")
	assert.False(t, names["marstek_system_total_available_capacity"])

	assert.Equal(t, 1, count(t, NewCollector(metricsFleet()), "marstek_device_up"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(metricsFleet())
	w := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()

	assert.Contains(t, body, `marstek_battery_soc{mac="AABBCCDDEEFF",name="Venus"} 55`)
	assert.Contains(t, body, `marstek_battery_power_out{mac="AABBCCDDEEFF",name="Venus"} 300`)
	assert.Contains(t, body, `marstek_device_up{mac="AABBCCDDEEFF",name="Venus"} 1`)
	assert.Contains(t, body, `marstek_command_attempts_total{mac="AABBCCDDEEFF",method="ES.GetStatus",name="Venus"} 4`)
	assert.Contains(t, body, `marstek_command_timeouts_total{mac="AABBCCDDEEFF",method="ES.GetStatus",name="Venus"} 1`)
	assert.Contains(t, body, `marstek_system_total_power -300`)
	assert.Contains(t, body, `marstek_system_average_soc 55`)
	assert.Contains(t, body, `marstek_system_state{state="discharging"} 1`)
	assert.Contains(t, body, `marstek_system_devices 1`)
	assert.Contains(t, body, `marstek_charging_enabled{mac="AABBCCDDEEFF",name="Venus"} 1`)
	assert.Contains(t, body, `marstek_ct_connected{mac="AABBCCDDEEFF",name="Venus"} 0`)
	assert.Contains(t, body, `marstek_device_text{key="wifi_ssid",mac="AABBCCDDEEFF",name="Venus",value="home"} 1`)
	assert.Contains(t, body, `marstek_device_text{key="battery_state",mac="AABBCCDDEEFF",name="Venus",value="discharging"} 1`)
	assert.NotContains(t, body, "marstek_bluetooth_connected", "absent flags are not exported")
}

func TestCollectorMissingData(t *testing.T) {
	f := &mockFleet{}
	f.On("Data").Return(types.FleetSnapshot{})
	f.On("Devices").Return([]types.DeviceInfo{testDevice()})
	f.On("CommandStats", testMAC).Return(nil, unknownDevice(testMAC))

	c := NewCollector(f)
	assert.Equal(t, 1, count(t, c, "marstek_device_up"))
	assert.Equal(t, 0, count(t, c, "marstek_battery_soc"))
	assert.Equal(t, 0, count(t, c, "marstek_command_attempts_total"))
}
