package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levenlabs/go-lflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jaapp/ha-marstek/pkg/ess"
	"github.com/jaapp/ha-marstek/pkg/log"
	"github.com/jaapp/ha-marstek/pkg/types"
)

const (
	DefaultDiscoveryTimeout = 10 * time.Second

	maxJitter = 500 * time.Millisecond
)

// ErrUnknownDevice is returned for a MAC the fleet does not poll.
var ErrUnknownDevice = errors.New("unknown device")

// ErrNotSetUp is returned for a device whose first cycle has not produced
// data yet.
var ErrNotSetUp = fmt.Errorf("%w: not set up", ErrUnknownDevice)

// Dialer returns the connection for a device.
type Dialer interface {
	Device(info types.DeviceInfo) ess.Conn
}

// Discoverer finds devices on the local network.
type Discoverer interface {
	Discover(ctx context.Context, window time.Duration) ([]types.DeviceInfo, error)
}

// Fleet polls several devices concurrently and publishes their snapshots
// together with system-wide aggregates.
type Fleet struct {
	dialer Dialer
	opts   Options

	devicesFile      string
	discoveryTimeout time.Duration

	mu      sync.RWMutex
	devices []types.DeviceInfo
	order   []string
	coords  map[string]*Coordinator
	conns   map[string]ess.Conn
	// aliases maps the key a device was set up under to its current key.
	aliases map[string]string

	data  atomic.Pointer[types.FleetSnapshot]
	group singleflight.Group
}

// NewFleet returns a fleet for devices. Nothing is connected until Setup.
func NewFleet(dialer Dialer, devices []types.DeviceInfo, opts Options) *Fleet {
	f := &Fleet{
		dialer:           dialer,
		opts:             opts.withDefaults(),
		discoveryTimeout: DefaultDiscoveryTimeout,
		devices:          append([]types.DeviceInfo(nil), devices...),
		coords:           make(map[string]*Coordinator),
		conns:            make(map[string]ess.Conn),
		aliases:          make(map[string]string),
	}
	f.publish()
	return f
}

// Configured sets up a Fleet from flags. Devices are added later through
// AddDevices.
func Configured(dialer Dialer) *Fleet {
	f := NewFleet(dialer, nil, DefaultOptions())

	scan := lflag.Duration("scan-interval", DefaultScanInterval, "Time between two polls of each device")
	medium := lflag.Int("medium-every", DefaultMediumEvery, "Poll energy meter, PV and mode every N cycles")
	slow := lflag.Int("slow-every", DefaultSlowEvery, "Poll identity, Wi-Fi and BLE every N cycles")
	callDelay := lflag.Duration("call-delay", DefaultCallDelay, "Minimum spacing between two requests to the same device")
	firstDelay := lflag.Duration("first-delay", DefaultFirstDelay, "Delay before the first request to a device")
	devicesFile := lflag.String("devices-file", "", "YAML file listing the devices, discovery is used when empty")
	discovery := lflag.Duration("discovery-timeout", DefaultDiscoveryTimeout, "How long to listen for discovery answers")

	lflag.Do(func() {
		f.opts = Options{
			ScanInterval: *scan,
			MediumEvery:  *medium,
			SlowEvery:    *slow,
			CallDelay:    *callDelay,
			FirstDelay:   *firstDelay,
		}.withDefaults()
		f.devicesFile = *devicesFile
		f.discoveryTimeout = *discovery
	})
	return f
}

// Options returns the polling options.
func (f *Fleet) Options() Options {
	return f.opts
}

// LoadDevices returns the devices from the devices file, or from a discovery
// run when no file is configured.
func (f *Fleet) LoadDevices(ctx context.Context, d Discoverer) ([]types.DeviceInfo, error) {
	if f.devicesFile != "" {
		devices, err := LoadDevicesFile(f.devicesFile)
		if err != nil {
			return nil, err
		}
		log.Ctx(ctx).InfoContext(ctx, "loaded devices file", slog.String("path", f.devicesFile), slog.Int("devices", len(devices)))
		return devices, nil
	}
	devices, err := d.Discover(ctx, f.discoveryTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to discover devices: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "discovery finished", slog.Int("devices", len(devices)))
	return devices, nil
}

// Setup connects every device that has no coordinator yet. A device that
// fails to connect is logged and skipped.
func (f *Fleet) Setup(ctx context.Context) error {
	f.mu.Lock()
	pending := make([]types.DeviceInfo, 0, len(f.devices))
	for _, info := range f.devices {
		if _, ok := f.lookup(info.Key()); !ok {
			pending = append(pending, info)
		}
	}
	f.mu.Unlock()

	for _, info := range pending {
		key := info.Key()
		dctx := log.WithDevice(ctx, key, info.Host)
		conn := f.dialer.Device(info)
		if err := conn.Connect(dctx); err != nil {
			log.Ctx(dctx).ErrorContext(dctx, "failed to connect device, skipping", slog.Any("error", err))
			continue
		}

		f.mu.Lock()
		if _, ok := f.lookup(key); ok {
			f.mu.Unlock()
			continue
		}
		f.coords[key] = New(conn, info, f.opts)
		f.conns[key] = conn
		f.order = append(f.order, key)
		f.mu.Unlock()
		log.Ctx(dctx).InfoContext(dctx, "device set up", slog.String("model", info.Model), slog.Int("firmware", info.Firmware))
	}
	f.publish()
	return nil
}

// AddDevices appends devices not known yet and sets them up. It returns how
// many were new.
func (f *Fleet) AddDevices(ctx context.Context, devices []types.DeviceInfo) (int, error) {
	f.mu.Lock()
	known := make(map[string]struct{}, len(f.devices))
	for _, d := range f.devices {
		known[d.Key()] = struct{}{}
	}
	for key := range f.coords {
		known[key] = struct{}{}
	}
	var added int
	for _, d := range devices {
		key := d.Key()
		if _, ok := known[key]; ok {
			continue
		}
		known[key] = struct{}{}
		f.devices = append(f.devices, d)
		added++
	}
	f.mu.Unlock()
	return added, f.Setup(ctx)
}

// Devices returns the description of every set up device in setup order.
func (f *Fleet) Devices() []types.DeviceInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]types.DeviceInfo, 0, len(f.order))
	for _, key := range f.order {
		if c := f.coords[key]; c.SetUp() {
			out = append(out, c.Info())
		}
	}
	return out
}

// MACs returns the key of every connected device in setup order, including
// devices that are not set up yet.
func (f *Fleet) MACs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.order...)
}

// Coordinator returns the coordinator for mac. The host a device was set up
// under keeps working after its MAC is known.
func (f *Fleet) Coordinator(mac string) (*Coordinator, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.lookup(types.NormalizeMAC(mac))
	if !ok {
		c, ok = f.lookup(mac)
	}
	return c, ok
}

// lookup must be called with f.mu held.
func (f *Fleet) lookup(key string) (*Coordinator, bool) {
	if alias, ok := f.aliases[key]; ok {
		key = alias
	}
	c, ok := f.coords[key]
	return c, ok
}

// coordinator returns the coordinator of a set up device.
func (f *Fleet) coordinator(mac string) (*Coordinator, error) {
	c, ok := f.Coordinator(mac)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, mac)
	}
	if !c.SetUp() {
		return nil, fmt.Errorf("%w: %s", ErrNotSetUp, mac)
	}
	return c, nil
}

func (f *Fleet) jitter() time.Duration {
	limit := min(f.opts.ScanInterval/10, maxJitter)
	if limit <= 0 {
		return 0
	}
	return rand.N(limit + 1)
}

// Update runs one cycle on every device concurrently. A failing device keeps
// its previous data and does not affect the others.
func (f *Fleet) Update(ctx context.Context) types.FleetSnapshot {
	f.mu.RLock()
	coords := make(map[string]*Coordinator, len(f.coords))
	for k, c := range f.coords {
		coords[k] = c
	}
	f.mu.RUnlock()

	var g errgroup.Group
	for key, c := range coords {
		g.Go(func() error {
			if d := f.jitter(); d > 0 {
				t := time.NewTimer(d)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil
				case <-t.C:
				}
			}
			res := c.Update(ctx)
			if res.Outcome == Failed {
				info := c.Info()
				dctx := log.WithDevice(ctx, key, info.Host)
				log.Ctx(dctx).WarnContext(dctx, "device update failed", slog.Any("error", res.Err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return f.publish()
}

// publish rebuilds the fleet snapshot from every set up coordinator.
func (f *Fleet) publish() types.FleetSnapshot {
	f.mu.Lock()
	f.rekey()
	devices := make(map[string]types.Snapshot, len(f.coords))
	for k, c := range f.coords {
		if c.SetUp() {
			devices[k] = c.Data()
		}
	}
	f.mu.Unlock()

	snap := types.FleetSnapshot{
		Devices:    devices,
		Aggregates: ComputeAggregates(devices),
	}
	f.data.Store(&snap)
	return snap
}

// rekey moves a device set up by host under its MAC once the device reported
// one. f.mu must be held for writing.
func (f *Fleet) rekey() {
	for i, key := range f.order {
		c := f.coords[key]
		info := c.Info()
		next := info.Key()
		if next == key {
			continue
		}
		if _, taken := f.coords[next]; taken {
			continue
		}
		f.coords[next] = c
		f.conns[next] = f.conns[key]
		delete(f.coords, key)
		delete(f.conns, key)
		f.order[i] = next
		for from, to := range f.aliases {
			if to == key {
				f.aliases[from] = next
			}
		}
		f.aliases[key] = next

		ctx := log.WithDevice(context.Background(), next, info.Host)
		log.Ctx(ctx).InfoContext(ctx, "device reported its MAC", slog.String("previousKey", key))
	}
}

// Data returns the latest fleet snapshot.
func (f *Fleet) Data() types.FleetSnapshot {
	return *f.data.Load()
}

// DeviceData returns the latest snapshot of one device.
func (f *Fleet) DeviceData(mac string) (types.Snapshot, error) {
	c, err := f.coordinator(mac)
	if err != nil {
		return nil, err
	}
	return c.Data(), nil
}

// Refresh runs a fleet cycle now and waits for it. Concurrent callers share
// one cycle.
func (f *Fleet) Refresh(ctx context.Context) error {
	_, err, _ := f.group.Do("update", func() (any, error) {
		return f.Update(ctx), nil
	})
	return err
}

// RequestRefresh schedules a fleet cycle without waiting for it.
func (f *Fleet) RequestRefresh(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		_ = f.Refresh(ctx)
	}()
}

// RequestDeviceRefresh schedules a cycle on one device and republishes the
// fleet snapshot when it is done. Devices that are not set up yet are
// accepted.
func (f *Fleet) RequestDeviceRefresh(ctx context.Context, mac string) error {
	c, ok := f.Coordinator(mac)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, mac)
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		_ = c.Refresh(ctx)
		f.publish()
	}()
	return nil
}

// Run polls every device at the scan interval until ctx is done.
func (f *Fleet) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.opts.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = f.Refresh(ctx)
		}
	}
}

// SetESMode writes the operating mode of one device.
func (f *Fleet) SetESMode(ctx context.Context, mac string, cfg types.ModeConfig) (bool, error) {
	c, err := f.coordinator(mac)
	if err != nil {
		return false, err
	}
	ok, err := c.SetESMode(ctx, cfg)
	if ok {
		f.publish()
	}
	return ok, err
}

// CommandStats returns the per-method statistics of one device.
func (f *Fleet) CommandStats(mac string) (map[string]types.CommandStats, error) {
	c, err := f.coordinator(mac)
	if err != nil {
		return nil, err
	}
	return c.CommandStats(), nil
}

// Close disconnects every device.
func (f *Fleet) Close() error {
	f.mu.Lock()
	conns := f.conns
	f.conns = make(map[string]ess.Conn)
	f.coords = make(map[string]*Coordinator)
	f.aliases = make(map[string]string)
	f.order = nil
	f.mu.Unlock()

	var errs []error
	for key, conn := range conns {
		if err := conn.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
