package ess

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover(t *testing.T) {
	ctx := context.Background()
	loopback := WithBroadcastAddrs(func() []string { return []string{"127.0.0.1"} })

	t.Run("deduplicates repeated answers", func(t *testing.T) {
		m := newTestMock(t)
		m.SetRepeat(3)
		c := NewClient("", 0, m.Port(), WithRegistry(loopbackRegistry()), loopback)
		defer c.Disconnect()

		devices, err := c.Discover(ctx, 1500*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, devices, 1)
		d := devices[0]
		assert.Equal(t, "AABBCCDDEEFF", d.MAC())
		assert.Equal(t, "VenusE", d.Model)
		assert.Equal(t, 154, d.Firmware)
		assert.Equal(t, "127.0.0.1", d.Host)
		assert.Equal(t, m.Port(), d.RemotePort)

		// one request per broadcast round
		assert.GreaterOrEqual(t, len(m.Requests()), 2)
	})

	t.Run("no answers", func(t *testing.T) {
		m := newTestMock(t)
		m.SetSilent(MethodGetDevice, true)
		c := NewClient("", 0, m.Port(), WithRegistry(loopbackRegistry()), loopback)
		defer c.Disconnect()

		devices, err := c.Discover(ctx, 300*time.Millisecond)
		require.NoError(t, err)
		assert.NotNil(t, devices)
		assert.Empty(t, devices)
	})

	t.Run("canceled", func(t *testing.T) {
		m := newTestMock(t)
		c := NewClient("", 0, m.Port(), WithRegistry(loopbackRegistry()), loopback)
		defer c.Disconnect()

		cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		devices, err := c.Discover(cctx, 5*time.Second)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Len(t, devices, 1)
	})
}
