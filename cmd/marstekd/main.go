package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"

	"github.com/jaapp/ha-marstek/pkg/common"
	"github.com/jaapp/ha-marstek/pkg/coordinator"
	"github.com/jaapp/ha-marstek/pkg/ess"
	"github.com/jaapp/ha-marstek/pkg/log"
	"github.com/jaapp/ha-marstek/pkg/publish"
	"github.com/jaapp/ha-marstek/pkg/server"
	"github.com/jaapp/ha-marstek/pkg/types"
)

func main() {
	// init packages
	e := ess.Configured()
	fleet := coordinator.Configured(e)
	srv := server.Configured(fleet)
	pub := publish.Configured(fleet)
	mockAddr := lflag.String("mock-device", "", "Serve a simulated device on this UDP address (e.g. 127.0.0.1:0) and poll only it")

	// parse flags
	lflag.Configure()

	// lflag automatically sets llog's level, but we need to set the slog level
	level, err := log.LevelFromLLog(llog.GetLevel())
	if err != nil {
		panic(err)
	}
	log.SetDefaultLogLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	log.Ctx(ctx).InfoContext(ctx, "starting marstekd", slog.String("version", common.Version()), slog.String("level", level.String()))

	defer func() {
		if err := fleet.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close devices", slog.Any("error", err))
		}
		if err := e.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close sockets", slog.Any("error", err))
		}
	}()

	var devices []types.DeviceInfo
	if *mockAddr != "" {
		info, closeMock, err := startMock(*mockAddr)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to start mock device", slog.Any("error", err))
			os.Exit(1)
		}
		defer closeMock()
		devices = []types.DeviceInfo{info}
	} else {
		b := e.Broadcast()
		devices, err = fleet.LoadDevices(ctx, b)
		_ = b.Disconnect()
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to load devices", slog.Any("error", err))
			os.Exit(1)
		}
	}
	if len(devices) == 0 {
		log.Ctx(ctx).ErrorContext(ctx, "no devices found")
		os.Exit(1)
	}

	if _, err := fleet.AddDevices(ctx, devices); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set up devices", slog.Any("error", err))
		os.Exit(1)
	}
	if err := fleet.Refresh(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "first update failed", slog.Any("error", err))
	}
	if ready, all := len(fleet.Devices()), len(fleet.MACs()); ready < all {
		log.Ctx(ctx).WarnContext(ctx, "some devices are not set up yet, retrying every cycle",
			slog.Int("ready", ready),
			slog.Int("connected", all),
		)
	}

	// Run will block until context is canceled or error happens
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return fleet.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return pub.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "marstekd failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "marstekd exited cleanly")
}

// startMock serves a simulated device and returns how to reach it.
func startMock(addr string) (types.DeviceInfo, func(), error) {
	const (
		model    = "VenusE"
		firmware = 154
		mac      = "0123456789ab"
	)
	m, err := ess.NewMockDevice(addr, ess.DefaultMockResults(model, firmware, mac))
	if err != nil {
		return types.DeviceInfo{}, nil, err
	}
	info := types.DeviceInfo{
		Name:       "Mock " + model,
		Host:       m.Addr().IP.String(),
		RemotePort: m.Port(),
		Model:      model,
		Firmware:   firmware,
		BLEMAC:     mac,
	}
	return info, func() { _ = m.Close() }, nil
}
