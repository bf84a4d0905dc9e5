package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaapp/ha-marstek/pkg/coordinator"
	"github.com/jaapp/ha-marstek/pkg/log"
	"github.com/jaapp/ha-marstek/pkg/types"
)

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// requestRefresh asks for a poll of mac after a write so readers see the
// device's own view of the change.
func (s *Server) requestRefresh(ctx context.Context, mac string) {
	if err := s.fleet.RequestDeviceRefresh(ctx, mac); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to refresh after write", slog.Any("error", err))
	}
}

// setMode writes cfg to the device, retrying when the device rejects it or
// does not answer.
func (s *Server) setMode(ctx context.Context, mac string, cfg types.ModeConfig) error {
	label := cfg.Label()
	var lastErr string
	for attempt := 1; attempt <= s.modeAttempts; attempt++ {
		ok, err := s.fleet.SetESMode(ctx, mac, cfg)
		if errors.Is(err, coordinator.ErrUnknownDevice) {
			return err
		}
		if err == nil && ok {
			log.Ctx(ctx).InfoContext(ctx, "set operating mode", slog.String("mac", mac), slog.String("mode", label))
			s.requestRefresh(ctx, mac)
			return nil
		}
		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = "device rejected mode change"
		}
		log.Ctx(ctx).WarnContext(
			ctx,
			"failed to set operating mode",
			slog.String("mac", mac),
			slog.String("mode", label),
			slog.Int("attempt", attempt),
			slog.Int("attempts", s.modeAttempts),
			slog.String("error", lastErr),
		)
		if attempt < s.modeAttempts {
			if err := sleep(ctx, s.modeRetryDelay); err != nil {
				lastErr = err.Error()
				break
			}
		}
	}
	s.requestRefresh(ctx, mac)
	return fmt.Errorf("failed to set operating mode to %s: %s", label, lastErr)
}

// writeSlots writes every slot once, pausing delay between two writes, and
// returns the slot numbers that failed.
func (s *Server) writeSlots(ctx context.Context, mac string, slots []types.ManualConfig, delay time.Duration) ([]int, error) {
	var failed []int
	for i, slot := range slots {
		if i > 0 {
			if err := sleep(ctx, delay); err != nil {
				for _, rest := range slots[i:] {
					failed = append(failed, rest.TimeNum)
				}
				return failed, nil
			}
		}
		ok, err := s.fleet.SetESMode(ctx, mac, types.ManualMode(slot))
		if errors.Is(err, coordinator.ErrUnknownDevice) {
			return nil, err
		}
		if err != nil || !ok {
			log.Ctx(ctx).WarnContext(
				ctx,
				"failed to write schedule slot",
				slog.String("mac", mac),
				slog.Int("slot", slot.TimeNum),
				slog.Any("error", err),
			)
			failed = append(failed, slot.TimeNum)
		}
	}
	return failed, nil
}

// setSchedules writes manual schedule slots one after the other.
func (s *Server) setSchedules(ctx context.Context, mac string, slots []types.ManualConfig) error {
	failed, err := s.writeSlots(ctx, mac, slots, s.slotDelay)
	if err != nil {
		return err
	}
	s.requestRefresh(ctx, mac)
	if len(failed) > 0 {
		return fmt.Errorf("failed to set schedules for slots: %v", failed)
	}
	log.Ctx(ctx).InfoContext(ctx, "set manual schedules", slog.String("mac", mac), slog.Int("slots", len(slots)))
	return nil
}

// clearSchedules disables every manual schedule slot.
func (s *Server) clearSchedules(ctx context.Context, mac string) error {
	slots := make([]types.ManualConfig, types.MaxScheduleSlots)
	for i := range slots {
		slots[i] = types.DisabledSlot(i)
	}
	failed, err := s.writeSlots(ctx, mac, slots, s.clearDelay)
	if err != nil {
		return err
	}
	s.requestRefresh(ctx, mac)
	if len(failed) > 0 {
		return fmt.Errorf("failed to clear schedules for slots: %v", failed)
	}
	log.Ctx(ctx).InfoContext(ctx, "cleared manual schedules", slog.String("mac", mac))
	return nil
}
