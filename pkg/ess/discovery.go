package ess

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/jaapp/ha-marstek/pkg/log"
	"github.com/jaapp/ha-marstek/pkg/types"
)

// Discover broadcasts Marstek.GetDevice once per second on every broadcast
// address for the whole window and returns the devices that answered, one
// entry per MAC. No answers is not an error.
func (c *Client) Discover(ctx context.Context, window time.Duration) ([]types.DeviceInfo, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return nil, ErrNotConnected
	}

	id := "marstek-discover-" + newMessageID()[len("marstek-"):]
	var (
		mu      sync.Mutex
		seen    = map[string]struct{}{}
		devices = []types.DeviceInfo{}
	)
	sub := sock.Subscribe(func(data []byte, from *net.UDPAddr) {
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil || idString(resp.ID) != id || len(resp.Result) == 0 {
			return
		}
		var p types.Payload
		if err := json.Unmarshal(resp.Result, &p); err != nil {
			return
		}
		host := ""
		if from != nil {
			host = from.IP.String()
		}
		info := types.DeviceInfoFromPayload(p, host)
		info.RemotePort = c.remotePort
		mac := info.MAC()
		if mac == "" {
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if _, dup := seen[mac]; dup {
			return
		}
		seen[mac] = struct{}{}
		devices = append(devices, info)
		log.Ctx(ctx).InfoContext(ctx, "discovered device",
			slog.String("mac", mac),
			slog.String("model", info.Model),
			slog.String("host", info.Host),
		)
	})
	defer sock.Unsubscribe(sub)

	body, err := json.Marshal(request{ID: id, Method: MethodGetDevice, Params: map[string]any{"ble_mac": "0"}})
	if err != nil {
		return nil, err
	}
	addrs := c.broadcast()
	log.Ctx(ctx).DebugContext(ctx, "starting discovery", slog.Any("addrs", addrs), slog.Duration("window", window))

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	collected := func() []types.DeviceInfo {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(devices)
	}

	for {
		for _, addr := range addrs {
			ip := net.ParseIP(addr)
			if ip == nil {
				continue
			}
			if err := sock.WriteTo(body, &net.UDPAddr{IP: ip, Port: c.remotePort}); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "discovery broadcast failed", slog.String("addr", addr), slog.Any("error", err))
			}
		}
		select {
		case <-ctx.Done():
			return collected(), ctx.Err()
		case <-deadline.C:
			return collected(), nil
		case <-ticker.C:
		}
	}
}
