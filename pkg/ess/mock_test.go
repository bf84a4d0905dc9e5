package ess

import (
	"context"
	"testing"

	"github.com/jaapp/ha-marstek/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("default results cover every read", func(t *testing.T) {
		m := newTestMock(t)
		c := newTestClient(t, m)

		reads := map[string]func(context.Context) (types.Payload, error){
			MethodGetDevice:     c.GetDeviceInfo,
			MethodESStatus:      c.GetESStatus,
			MethodBatteryStatus: c.GetBatteryStatus,
			MethodEMStatus:      c.GetEMStatus,
			MethodPVStatus:      c.GetPVStatus,
			MethodWiFiStatus:    c.GetWiFiStatus,
			MethodBLEStatus:     c.GetBLEStatus,
			MethodESMode:        c.GetESMode,
		}
		for method, read := range reads {
			res, err := read(ctx)
			require.NoError(t, err, method)
			assert.NotEmpty(t, res, method)
		}
		assert.Len(t, m.Requests(), len(reads))
	})

	t.Run("set result", func(t *testing.T) {
		m := newTestMock(t)
		m.SetResult(MethodBatteryStatus, types.Payload{"soc": 80})
		c := newTestClient(t, m)

		res, err := c.GetBatteryStatus(ctx)
		require.NoError(t, err)
		soc, ok := res.Float("soc")
		assert.True(t, ok)
		assert.Equal(t, 80.0, soc)
	})

	t.Run("invalid mode is rejected", func(t *testing.T) {
		m := newTestMock(t)
		c := newTestClient(t, m)

		ok, err := c.SetESMode(ctx, types.ModeConfig{Mode: types.ModeManual})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, types.ModeAuto, m.Mode())

		ok, err = c.SetESMode(ctx, types.PassiveMode(-500, 300))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, types.ModePassive, m.Mode())
	})
}
