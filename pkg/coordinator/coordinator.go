package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jaapp/ha-marstek/pkg/compat"
	"github.com/jaapp/ha-marstek/pkg/ess"
	"github.com/jaapp/ha-marstek/pkg/log"
	"github.com/jaapp/ha-marstek/pkg/types"
)

const (
	DefaultScanInterval = 60 * time.Second
	DefaultMediumEvery  = 5
	DefaultSlowEvery    = 10
	DefaultCallDelay    = time.Second
	DefaultFirstDelay   = time.Second
)

// ErrUpdateFailed is returned when the first cycle of a coordinator produced
// no data at all.
var ErrUpdateFailed = errors.New("update failed")

// Options control how often and how fast a device is polled.
type Options struct {
	// ScanInterval is the time between two cycles.
	ScanInterval time.Duration
	// MediumEvery is the cycle period of the energy meter, PV and mode fetches.
	MediumEvery int
	// SlowEvery is the cycle period of the identity, Wi-Fi and BLE fetches.
	SlowEvery int
	// CallDelay is the minimum spacing between two requests to the device.
	CallDelay time.Duration
	// FirstDelay is waited before the very first request.
	FirstDelay time.Duration
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		ScanInterval: DefaultScanInterval,
		MediumEvery:  DefaultMediumEvery,
		SlowEvery:    DefaultSlowEvery,
		CallDelay:    DefaultCallDelay,
		FirstDelay:   DefaultFirstDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.ScanInterval <= 0 {
		o.ScanInterval = DefaultScanInterval
	}
	if o.MediumEvery < 1 {
		o.MediumEvery = DefaultMediumEvery
	}
	if o.SlowEvery < 1 {
		o.SlowEvery = DefaultSlowEvery
	}
	return o
}

// Outcome classifies the result of a single cycle.
type Outcome int

const (
	// Updated means at least one subsystem changed.
	Updated Outcome = iota
	// Unchanged means the snapshot is identical to the previous one.
	Unchanged
	// Degraded means some fetches failed after the first cycle. Stale data is
	// kept for the subsystems that failed.
	Degraded
	// Failed means the first cycle produced no data.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is returned by Update.
type Result struct {
	Outcome Outcome
	Cycle   int
	// Fetched lists the subsystems that returned data.
	Fetched []string
	// Err is set for Degraded and Failed.
	Err error
}

// Coordinator polls a single device on a tiered schedule and publishes the
// merged snapshot.
type Coordinator struct {
	dev     ess.Device
	opts    Options
	limiter *rate.Limiter

	updateMu       sync.Mutex
	info           types.DeviceInfo
	matrix         *compat.Matrix
	cycle          int
	lastCycle      time.Time
	actualInterval time.Duration

	lastMessage atomic.Int64
	setUp       atomic.Bool
	infoMu      sync.RWMutex

	// modeWrites counts accepted mode writes; modeStale asks the next cycle to
	// read the mode back.
	modeWrites atomic.Int64
	modeStale  atomic.Bool

	publishMu sync.Mutex
	data      atomic.Pointer[types.Snapshot]

	group singleflight.Group
}

// New returns a coordinator for dev. info seeds the compatibility matrix
// until the device reports its own identity.
func New(dev ess.Device, info types.DeviceInfo, opts Options) *Coordinator {
	opts = opts.withDefaults()
	limit := rate.Inf
	if opts.CallDelay > 0 {
		limit = rate.Every(opts.CallDelay)
	}
	c := &Coordinator{
		dev:     dev,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		info:    info,
		matrix:  compat.New(info.Model, info.Firmware),
	}
	empty := types.Snapshot{}
	c.data.Store(&empty)
	return c
}

// Info returns the device description, updated from identity fetches.
func (c *Coordinator) Info() types.DeviceInfo {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.info
}

// Compat returns the compatibility matrix currently in use.
func (c *Coordinator) Compat() compat.Info {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.matrix.Info()
}

// ScanInterval returns the configured time between cycles.
func (c *Coordinator) ScanInterval() time.Duration {
	return c.opts.ScanInterval
}

// Data returns the latest snapshot. The returned value must not be modified.
func (c *Coordinator) Data() types.Snapshot {
	return *c.data.Load()
}

// SetUp reports whether a cycle has produced data. A device whose first cycle
// failed is not set up until a later one succeeds.
func (c *Coordinator) SetUp() bool {
	return c.setUp.Load()
}

// LastMessage returns when the device last answered during a cycle.
func (c *Coordinator) LastMessage() (time.Time, bool) {
	ns := c.lastMessage.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Update runs a single cycle. Cycles never overlap.
func (c *Coordinator) Update(ctx context.Context) Result {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	info := c.Info()
	ctx = log.WithDevice(ctx, info.MAC(), info.Host)

	now := time.Now()
	if !c.lastCycle.IsZero() {
		c.actualInterval = now.Sub(c.lastCycle)
	}
	c.lastCycle = now
	c.cycle++
	cycle := c.cycle
	first := cycle == 1

	readMode := c.modeStale.Swap(false)
	writes := c.modeWrites.Load()
	fetched := types.Snapshot{}
	res := Result{Cycle: cycle}
	var errs []error

	fetch := func(subsystem string, get func(context.Context) (types.Payload, error), transform func(types.Payload) types.Payload) {
		if err := c.limiter.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", subsystem, err))
			return
		}
		p, err := get(ctx)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to fetch subsystem",
				slog.String("subsystem", subsystem),
				slog.Int("cycle", cycle),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", subsystem, err))
			return
		}
		if p == nil {
			log.Ctx(ctx).DebugContext(ctx, "no answer for subsystem", slog.String("subsystem", subsystem))
			return
		}
		if transform != nil {
			p = transform(p)
		}
		fetched[subsystem] = p
		res.Fetched = append(res.Fetched, subsystem)
	}

	slow := first || cycle%c.opts.SlowEvery == 0
	medium := first || cycle%c.opts.MediumEvery == 0

	if first && c.opts.FirstDelay > 0 {
		t := time.NewTimer(c.opts.FirstDelay)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	if slow {
		// identity goes first so a firmware change is scaled correctly below
		fetch(types.SubsystemDevice, c.dev.GetDeviceInfo, c.observeIdentity)
	}
	fetch(types.SubsystemES, c.dev.GetESStatus, c.scale(compat.ESFields))
	fetch(types.SubsystemBattery, c.dev.GetBatteryStatus, c.scale(compat.BatteryFields))
	if medium {
		fetch(types.SubsystemEM, c.dev.GetEMStatus, nil)
		if compat.HasPV(c.Info().Model) {
			fetch(types.SubsystemPV, c.dev.GetPVStatus, nil)
		}
		fetch(types.SubsystemMode, c.dev.GetESMode, nil)
	} else if readMode {
		fetch(types.SubsystemMode, c.dev.GetESMode, nil)
	}
	if slow {
		fetch(types.SubsystemWiFi, c.dev.GetWiFiStatus, nil)
		fetch(types.SubsystemBLE, c.dev.GetBLEStatus, nil)
	}

	if len(res.Fetched) > 0 {
		c.lastMessage.Store(time.Now().UnixNano())
	}

	switch {
	case first && len(res.Fetched) == 0:
		// the next attempt starts over as a first cycle
		c.cycle = 0
		res.Outcome = Failed
		if len(errs) > 0 {
			res.Err = fmt.Errorf("%w: no data received from device: %w", ErrUpdateFailed, errors.Join(errs...))
		} else {
			res.Err = fmt.Errorf("%w: no data received from device", ErrUpdateFailed)
		}
		log.Ctx(ctx).ErrorContext(ctx, "first update failed", slog.Any("error", res.Err))
	case len(errs) > 0 && !first:
		res.Outcome = Degraded
		res.Err = errors.Join(errs...)
		log.Ctx(ctx).WarnContext(ctx, "update degraded, keeping previous values",
			slog.Int("cycle", cycle),
			slog.Any("fetched", res.Fetched),
			slog.Any("error", res.Err),
		)
	}

	// merge into the snapshot as it is now, a mode write may have landed
	// while the cycle ran
	c.publishMu.Lock()
	prev := c.Data()
	next := prev.Clone()
	if c.modeWrites.Load() != writes {
		delete(fetched, types.SubsystemMode)
	}
	if _, ok := fetched[types.SubsystemMode]; readMode && !ok {
		c.modeStale.Store(true)
	}
	for k, v := range fetched {
		next[k] = v
	}
	if res.Outcome != Failed && res.Outcome != Degraded {
		res.Outcome = Unchanged
		if changed(prev, next) {
			res.Outcome = Updated
		}
	}
	next[types.SubsystemDiagnostic] = c.diagnostics(cycle)
	c.data.Store(&next)
	c.publishMu.Unlock()
	if res.Outcome != Failed {
		c.setUp.Store(true)
	}

	log.Ctx(ctx).DebugContext(ctx, "update finished",
		slog.Int("cycle", cycle),
		slog.String("outcome", res.Outcome.String()),
		slog.Any("fetched", res.Fetched),
	)
	return res
}

func changed(prev, next types.Snapshot) bool {
	for k, v := range next {
		if k == types.SubsystemDiagnostic {
			continue
		}
		if !reflect.DeepEqual(prev[k], v) {
			return true
		}
	}
	return false
}

func (c *Coordinator) scale(fields []compat.Field) func(types.Payload) types.Payload {
	return func(p types.Payload) types.Payload {
		c.infoMu.RLock()
		m := c.matrix
		c.infoMu.RUnlock()
		return m.Apply(p, fields...)
	}
}

// observeIdentity records MACs the device info is missing and rebuilds the
// matrix when the device reports a model or firmware different from the one
// in use.
func (c *Coordinator) observeIdentity(p types.Payload) types.Payload {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	if c.info.BLEMAC == "" {
		c.info.BLEMAC = p.String("ble_mac")
	}
	if c.info.WiFiMAC == "" {
		c.info.WiFiMAC = p.String("wifi_mac")
	}

	model := p.String("device")
	if model == "" {
		return p
	}
	fw := 0
	if v, ok := p.Float("ver"); ok {
		fw = int(v)
	}
	if c.matrix.Matches(model, fw) {
		return p
	}
	ctx := log.WithDevice(context.Background(), c.info.MAC(), c.info.Host)
	log.Ctx(ctx).InfoContext(ctx, "device identity changed, rebuilding compatibility matrix",
		slog.String("oldModel", c.info.Model),
		slog.Int("oldFirmware", c.info.Firmware),
		slog.String("model", model),
		slog.Int("firmware", fw),
	)
	c.info.Model = model
	c.info.Firmware = fw
	c.matrix = compat.New(model, fw)
	return p
}

func (c *Coordinator) diagnostics(cycle int) types.Payload {
	d := types.Payload{
		"last_message_seconds": nil,
		"target_interval":      c.opts.ScanInterval.Seconds(),
		"actual_interval":      c.actualInterval.Seconds(),
		"cycle":                cycle,
	}
	if last, ok := c.LastMessage(); ok {
		d["last_message_seconds"] = int(time.Since(last).Seconds())
	}
	stats := map[string]any{}
	for method, s := range c.dev.AllCommandStats() {
		stats[method] = map[string]any{
			"total_attempts":  s.TotalAttempts,
			"total_success":   s.TotalSuccess,
			"total_timeouts":  s.TotalTimeouts,
			"success_rate":    s.SuccessRate(),
			"last_latency_ms": s.LastLatency.Milliseconds(),
			"last_success":    s.LastSuccess,
			"last_error":      s.LastError,
		}
	}
	d["command_stats"] = stats
	return d
}

// Refresh runs a cycle now and waits for it. Concurrent callers share one
// cycle. Only a failed first cycle is returned as an error.
func (c *Coordinator) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("update", func() (any, error) {
		res := c.Update(ctx)
		if res.Outcome == Failed {
			return res, res.Err
		}
		return res, nil
	})
	return err
}

// RequestRefresh schedules a cycle without waiting for it.
func (c *Coordinator) RequestRefresh(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		_ = c.Refresh(ctx)
	}()
}

// Run polls at the scan interval until ctx is done. A cycle that runs longer
// than the interval makes the following ticks drop.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}

// SetESMode writes the operating mode. It does not retry. When the device
// accepts, the mode subsystem is updated right away and the next cycle reads
// it back from the device. A cycle already running keeps the written mode.
func (c *Coordinator) SetESMode(ctx context.Context, cfg types.ModeConfig) (bool, error) {
	ok, err := c.dev.SetESMode(ctx, cfg)
	if err != nil || !ok {
		return ok, err
	}
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	c.modeWrites.Add(1)
	c.modeStale.Store(true)
	next := c.Data().Clone()
	mode := next.Get(types.SubsystemMode).Clone()
	if mode == nil {
		mode = types.Payload{}
	}
	mode["mode"] = cfg.Mode
	next[types.SubsystemMode] = mode
	c.data.Store(&next)
	return true, nil
}

// CommandStats returns the per-method statistics of the device client.
func (c *Coordinator) CommandStats() map[string]types.CommandStats {
	return c.dev.AllCommandStats()
}
