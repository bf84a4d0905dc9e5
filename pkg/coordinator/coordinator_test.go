package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jaapp/ha-marstek/pkg/ess"
	"github.com/jaapp/ha-marstek/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var venusE = types.DeviceInfo{Name: "Venus", Host: "192.168.1.40", Model: "VenusE", Firmware: 120, BLEMAC: "aabbccddeeff"}

func TestUpdateFirstCycle(t *testing.T) {
	ctx := context.Background()
	m := &mockDevice{}
	expectReads(m, devicePayloads("VenusE", 120, -4000))
	c := New(m, venusE, testOptions())

	res := c.Update(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, Updated, res.Outcome)
	assert.Equal(t, 1, res.Cycle)
	assert.ElementsMatch(t, []string{
		types.SubsystemDevice, types.SubsystemES, types.SubsystemBattery, types.SubsystemEM,
		types.SubsystemMode, types.SubsystemWiFi, types.SubsystemBLE,
	}, res.Fetched)
	m.AssertNotCalled(t, "GetPVStatus", mock.Anything)

	data := c.Data()
	power, ok := data.Float(types.SubsystemES, "bat_power")
	require.True(t, ok)
	assert.Equal(t, -400.0, power)
	load, _ := data.Float(types.SubsystemES, "total_load_energy")
	assert.Equal(t, 120.0, load)
	temp, _ := data.Float(types.SubsystemBattery, "bat_temp")
	assert.Equal(t, 25.0, temp)
	capacity, _ := data.Float(types.SubsystemBattery, "bat_capacity")
	assert.Equal(t, 1000.0, capacity)
	assert.Equal(t, types.ModeAuto, data.Get(types.SubsystemMode).String("mode"))
}

func TestFirstCycleStrictness(t *testing.T) {
	ctx := context.Background()

	t.Run("no answers", func(t *testing.T) {
		m := &mockDevice{}
		expectReads(m, map[string]types.Payload{})
		c := New(m, venusE, testOptions())

		res := c.Update(ctx)
		assert.Equal(t, Failed, res.Outcome)
		assert.ErrorIs(t, res.Err, ErrUpdateFailed)
		assert.ErrorIs(t, c.Refresh(ctx), ErrUpdateFailed)
	})

	t.Run("every fetch errors", func(t *testing.T) {
		m := &mockDevice{}
		boom := &ess.APIError{Method: "x", Code: -1, Message: "boom"}
		for method := range reads {
			m.On(method, mock.Anything).Return(nil, boom)
		}
		m.On("AllCommandStats").Return(map[string]types.CommandStats{})
		c := New(m, venusE, testOptions())

		res := c.Update(ctx)
		assert.Equal(t, Failed, res.Outcome)
		assert.ErrorIs(t, res.Err, ErrUpdateFailed)
		var apiErr *ess.APIError
		assert.ErrorAs(t, res.Err, &apiErr)
		assert.True(t, c.Data().Empty())
	})

	t.Run("one subsystem is enough", func(t *testing.T) {
		m := &mockDevice{}
		m.On("GetBLEStatus", mock.Anything).Return(types.Payload{"state": "connect"}, nil)
		for method := range reads {
			m.On(method, mock.Anything).Return(nil, errors.New("boom")).Maybe()
		}
		m.On("AllCommandStats").Return(map[string]types.CommandStats{})
		c := New(m, venusE, testOptions())

		res := c.Update(ctx)
		assert.NotEqual(t, Failed, res.Outcome)
		assert.NoError(t, c.Refresh(ctx))
		assert.NotNil(t, c.Data().Get(types.SubsystemBLE))
	})

	t.Run("failed first cycle is retried as first", func(t *testing.T) {
		m := &mockDevice{}
		for method := range reads {
			m.On(method, mock.Anything).Return(nil, nil).Once()
		}
		expectReads(m, devicePayloads("VenusE", 120, 100))
		c := New(m, venusE, testOptions())

		assert.Equal(t, Failed, c.Update(ctx).Outcome)
		res := c.Update(ctx)
		assert.Equal(t, Updated, res.Outcome)
		assert.Equal(t, 1, res.Cycle)
		assert.Contains(t, res.Fetched, types.SubsystemWiFi)
	})
}

func TestMonotonicPresence(t *testing.T) {
	ctx := context.Background()
	m := &mockDevice{}
	payloads := devicePayloads("VenusE", 120, 1000)
	m.On("GetESStatus", mock.Anything).Return(payloads[types.SubsystemES], nil).Once()
	m.On("GetESStatus", mock.Anything).Return(nil, errors.New("socket closed")).Once()
	m.On("GetESStatus", mock.Anything).Return(nil, nil).Once()
	m.On("GetBatteryStatus", mock.Anything).Return(payloads[types.SubsystemBattery], nil).Once()
	m.On("GetBatteryStatus", mock.Anything).Return(types.Payload{"soc": float64(51), "rated_capacity": float64(2000)}, nil)
	expectReads(m, payloads)
	c := New(m, venusE, testOptions())

	require.Equal(t, Updated, c.Update(ctx).Outcome)
	es := c.Data().Get(types.SubsystemES)
	require.NotNil(t, es)

	res := c.Update(ctx)
	assert.Equal(t, Degraded, res.Outcome)
	assert.Error(t, res.Err)
	assert.Equal(t, es, c.Data().Get(types.SubsystemES))
	soc, _ := c.Data().Float(types.SubsystemBattery, "soc")
	assert.Equal(t, 51.0, soc)

	res = c.Update(ctx)
	assert.Equal(t, Unchanged, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, es, c.Data().Get(types.SubsystemES))
	for _, sub := range []string{types.SubsystemDevice, types.SubsystemEM, types.SubsystemMode, types.SubsystemWiFi, types.SubsystemBLE} {
		assert.NotNil(t, c.Data().Get(sub), sub)
	}
}

func TestTiers(t *testing.T) {
	ctx := context.Background()
	m := &mockDevice{}
	expectReads(m, devicePayloads("VenusD", 154, 0))
	opts := testOptions()
	opts.MediumEvery = 2
	opts.SlowEvery = 3
	c := New(m, types.DeviceInfo{Host: "192.168.1.41", Model: "VenusD", Firmware: 154}, opts)

	for range 6 {
		c.Update(ctx)
	}
	m.AssertNumberOfCalls(t, "GetESStatus", 6)
	m.AssertNumberOfCalls(t, "GetBatteryStatus", 6)
	// cycles 1, 2, 4, 6
	m.AssertNumberOfCalls(t, "GetEMStatus", 4)
	m.AssertNumberOfCalls(t, "GetPVStatus", 4)
	m.AssertNumberOfCalls(t, "GetESMode", 4)
	// cycles 1, 3, 6
	m.AssertNumberOfCalls(t, "GetDeviceInfo", 3)
	m.AssertNumberOfCalls(t, "GetWiFiStatus", 3)
	m.AssertNumberOfCalls(t, "GetBLEStatus", 3)
}

func TestIdentityChangeRebuildsMatrix(t *testing.T) {
	ctx := context.Background()
	m := &mockDevice{}
	expectReads(m, devicePayloads("VenusE", 154, -4000))
	c := New(m, venusE, testOptions())
	assert.Equal(t, 120, c.Compat().FirmwareVersion)

	require.Equal(t, Updated, c.Update(ctx).Outcome)
	assert.Equal(t, 154, c.Compat().FirmwareVersion)
	assert.Equal(t, 154, c.Info().Firmware)
	power, _ := c.Data().Float(types.SubsystemES, "bat_power")
	assert.Equal(t, -4000.0, power)
}

func TestIdentityFillsMAC(t *testing.T) {
	ctx := context.Background()
	m := &mockDevice{}
	p := devicePayloads("VenusE", 120, 0)
	p[types.SubsystemDevice]["wifi_mac"] = "112233445566"
	expectReads(m, p)
	// the configured model and firmware already match the device
	c := New(m, types.DeviceInfo{Host: "10.0.0.9", Model: "VenusE", Firmware: 120}, testOptions())
	assert.Equal(t, "10.0.0.9", c.Info().Key())
	assert.False(t, c.SetUp())

	c.Update(ctx)
	assert.True(t, c.SetUp())
	assert.Equal(t, "AABBCCDDEEFF", c.Info().Key())
	assert.Equal(t, "112233445566", c.Info().WiFiMAC)
}

func TestSetUp(t *testing.T) {
	ctx := context.Background()
	m := &mockDevice{}
	m.On("GetESStatus", mock.Anything).Return(nil, errors.New("timeout")).Once()
	expectReads(m, map[string]types.Payload{types.SubsystemES: {"bat_power": float64(0)}})
	c := New(m, venusE, testOptions())

	require.Equal(t, Failed, c.Update(ctx).Outcome)
	assert.False(t, c.SetUp())
	require.NotEqual(t, Failed, c.Update(ctx).Outcome)
	assert.True(t, c.SetUp())
}

func TestDiagnostics(t *testing.T) {
	ctx := context.Background()
	m := &mockDevice{}
	expectReads(m, devicePayloads("VenusE", 120, 0))
	c := New(m, venusE, testOptions())

	c.Update(ctx)
	d := c.Data().Get(types.SubsystemDiagnostic)
	require.NotNil(t, d)
	assert.Equal(t, 0, d["last_message_seconds"])
	assert.Equal(t, 60.0, d["target_interval"])
	assert.Equal(t, 0.0, d["actual_interval"])
	assert.Equal(t, 1, d["cycle"])
	stats, ok := d["command_stats"].(map[string]any)
	require.True(t, ok)
	es, ok := stats["ES.GetStatus"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 75.0, es["success_rate"])
	assert.Equal(t, 1, es["total_timeouts"])

	c.Update(ctx)
	d = c.Data().Get(types.SubsystemDiagnostic)
	assert.Equal(t, 2, d["cycle"])
	assert.Greater(t, d["actual_interval"], 0.0)
	assert.False(t, c.Data().Empty())
}

func TestSetESMode(t *testing.T) {
	ctx := context.Background()
	manual := types.ManualMode(types.ManualConfig{StartTime: "08:00", EndTime: "16:00", WeekSet: types.AllDays, Enable: 1})

	t.Run("accepted", func(t *testing.T) {
		m := &mockDevice{}
		m.On("GetESMode", mock.Anything).Return(types.Payload{"mode": types.ModeAuto, "bat_soc": float64(55)}, nil).Once()
		m.On("GetESMode", mock.Anything).Return(types.Payload{"mode": types.ModeAuto}, nil)
		expectReads(m, devicePayloads("VenusE", 120, 0))
		m.On("SetESMode", mock.Anything, manual).Return(true, nil)
		c := New(m, venusE, testOptions())
		c.Update(ctx)

		ok, err := c.SetESMode(ctx, manual)
		require.NoError(t, err)
		assert.True(t, ok)
		mode := c.Data().Get(types.SubsystemMode)
		assert.Equal(t, types.ModeManual, mode.String("mode"))
		soc, _ := mode.Float("bat_soc")
		assert.Equal(t, 55.0, soc, "other mode fields are kept")

		// the next real read wins
		for range DefaultMediumEvery - 1 {
			c.Update(ctx)
		}
		assert.Equal(t, types.ModeAuto, c.Data().Get(types.SubsystemMode).String("mode"))
	})

	t.Run("rejected", func(t *testing.T) {
		m := &mockDevice{}
		expectReads(m, devicePayloads("VenusE", 120, 0))
		m.On("SetESMode", mock.Anything, manual).Return(false, nil)
		c := New(m, venusE, testOptions())
		c.Update(ctx)

		ok, err := c.SetESMode(ctx, manual)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, types.ModeAuto, c.Data().Get(types.SubsystemMode).String("mode"))
		m.AssertNumberOfCalls(t, "SetESMode", 1)
	})

	t.Run("write during a cycle survives its publish", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		m := &mockDevice{}
		p := devicePayloads("VenusE", 120, 0)
		m.On("GetBatteryStatus", mock.Anything).Return(p[types.SubsystemBattery], nil).Once()
		m.On("GetBatteryStatus", mock.Anything).Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).Return(p[types.SubsystemBattery], nil).Once()
		m.On("GetESMode", mock.Anything).Return(types.Payload{"mode": types.ModeAuto}, nil).Once()
		m.On("GetESMode", mock.Anything).Return(types.Payload{"mode": types.ModeManual}, nil)
		expectReads(m, p)
		m.On("SetESMode", mock.Anything, manual).Return(true, nil)
		c := New(m, venusE, testOptions())
		c.Update(ctx)

		done := make(chan Result)
		go func() { done <- c.Update(ctx) }()
		<-entered
		ok, err := c.SetESMode(ctx, manual)
		require.NoError(t, err)
		require.True(t, ok)
		close(release)
		res := <-done
		assert.Equal(t, 2, res.Cycle)
		assert.Equal(t, types.ModeManual, c.Data().Get(types.SubsystemMode).String("mode"))

		// cycle 3 is not a medium cycle but still reads the mode back
		res = c.Update(ctx)
		assert.Contains(t, res.Fetched, types.SubsystemMode)
		m.AssertNumberOfCalls(t, "GetESMode", 2)
		assert.Equal(t, types.ModeManual, c.Data().Get(types.SubsystemMode).String("mode"))

		c.Update(ctx)
		m.AssertNumberOfCalls(t, "GetESMode", 2)
	})

	t.Run("mode read before a write is dropped", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		m := &mockDevice{}
		m.On("GetESMode", mock.Anything).Return(types.Payload{"mode": types.ModeAuto}, nil).Once()
		m.On("GetESMode", mock.Anything).Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).Return(types.Payload{"mode": types.ModeAuto}, nil).Once()
		m.On("GetESMode", mock.Anything).Return(types.Payload{"mode": types.ModeManual}, nil)
		expectReads(m, devicePayloads("VenusE", 120, 0))
		m.On("SetESMode", mock.Anything, manual).Return(true, nil)
		opts := testOptions()
		opts.MediumEvery = 2
		c := New(m, venusE, opts)
		c.Update(ctx)

		done := make(chan Result)
		go func() { done <- c.Update(ctx) }()
		<-entered
		ok, err := c.SetESMode(ctx, manual)
		require.NoError(t, err)
		require.True(t, ok)
		close(release)
		res := <-done
		assert.Contains(t, res.Fetched, types.SubsystemMode)
		assert.Equal(t, types.ModeManual, c.Data().Get(types.SubsystemMode).String("mode"))

		res = c.Update(ctx)
		assert.Equal(t, 3, res.Cycle)
		assert.Contains(t, res.Fetched, types.SubsystemMode)
		assert.Equal(t, types.ModeManual, c.Data().Get(types.SubsystemMode).String("mode"))
	})
}

func TestRefreshCoalesces(t *testing.T) {
	ctx := context.Background()
	m := &mockDevice{}
	expectReads(m, devicePayloads("VenusE", 120, 0))
	opts := testOptions()
	opts.FirstDelay = 100 * time.Millisecond
	c := New(m, venusE, opts)

	errs := make(chan error, 3)
	for range 3 {
		go func() { errs <- c.Refresh(ctx) }()
	}
	for range 3 {
		assert.NoError(t, <-errs)
	}
	m.AssertNumberOfCalls(t, "GetESStatus", 1)
}

func TestRequestRefresh(t *testing.T) {
	m := &mockDevice{}
	expectReads(m, devicePayloads("VenusE", 120, 0))
	c := New(m, venusE, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	c.RequestRefresh(ctx)
	cancel()
	assert.Eventually(t, func() bool {
		return c.Data().Get(types.SubsystemES) != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRun(t *testing.T) {
	m := &mockDevice{}
	expectReads(m, devicePayloads("VenusE", 120, 0))
	opts := testOptions()
	opts.ScanInterval = 20 * time.Millisecond
	c := New(m, venusE, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	assert.Eventually(t, func() bool {
		d := c.Data().Get(types.SubsystemDiagnostic)
		cycle, _ := d.Float("cycle")
		return cycle >= 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	dev, err := ess.NewMockDevice("127.0.0.1:0", ess.DefaultMockResults("VenusE", 120, "AA:BB:CC:DD:EE:FF"))
	require.NoError(t, err)
	defer dev.Close()

	client := ess.NewClient("127.0.0.1", 0, dev.Port(), ess.WithTimeout(500*time.Millisecond))
	require.NoError(t, client.Connect(ctx))
	defer client.Disconnect()

	c := New(client, types.DeviceInfo{Host: "127.0.0.1", Model: "VenusE", Firmware: 120}, Options{ScanInterval: 60 * time.Second})
	require.NoError(t, c.Refresh(ctx))

	data := c.Data()
	power, ok := data.Float(types.SubsystemES, "bat_power")
	require.True(t, ok)
	assert.Equal(t, 30.0, power)

	seconds, ok := data.Get(types.SubsystemDiagnostic).Float("last_message_seconds")
	require.True(t, ok)
	assert.GreaterOrEqual(t, seconds, 0.0)
	assert.LessOrEqual(t, seconds, 2.0)

	stats := c.CommandStats()
	assert.Equal(t, 1, stats[ess.MethodESStatus].TotalSuccess)

	ok, err = c.SetESMode(ctx, types.PassiveMode(-500, 600))
	require.NoError(t, err)
	assert.True(t, ok)
	mode, err := client.GetESMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ModePassive, mode.String("mode"))
}
