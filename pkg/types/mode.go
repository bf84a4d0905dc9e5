package types

import (
	"errors"
	"fmt"
	"time"
)

// Operating modes accepted by ES.SetMode.
const (
	ModeAuto    = "Auto"
	ModeAI      = "AI"
	ModeManual  = "Manual"
	ModePassive = "Passive"
)

// MaxScheduleSlots is the number of manual schedule slots a device stores.
const MaxScheduleSlots = 10

// WeekdayBits maps a lowercase day name to its bit in ManualConfig.WeekSet.
var WeekdayBits = map[string]int{
	"mon": 1,
	"tue": 2,
	"wed": 4,
	"thu": 8,
	"fri": 16,
	"sat": 32,
	"sun": 64,
}

// AllDays is the week_set value covering every day.
const AllDays = 127

// ModeConfig is the config object sent with ES.SetMode.
type ModeConfig struct {
	Mode       string         `json:"mode"`
	AutoCfg    *EnableConfig  `json:"auto_cfg,omitempty"`
	AICfg      *EnableConfig  `json:"ai_cfg,omitempty"`
	ManualCfg  *ManualConfig  `json:"manual_cfg,omitempty"`
	PassiveCfg *PassiveConfig `json:"passive_cfg,omitempty"`
}

// EnableConfig is the config block for the Auto and AI modes.
type EnableConfig struct {
	Enable int `json:"enable"`
}

// ManualConfig is a single manual schedule slot. Power is signed watts:
// negative limits charging, positive limits discharging and 0 means unlimited.
type ManualConfig struct {
	TimeNum   int    `json:"time_num"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	WeekSet   int    `json:"week_set"`
	Power     int    `json:"power"`
	Enable    int    `json:"enable"`
}

// PassiveConfig holds a fixed power for CDTime seconds.
type PassiveConfig struct {
	Power  int `json:"power"`
	CDTime int `json:"cd_time"`
}

// AutoMode returns the config switching a device to Auto.
func AutoMode() ModeConfig {
	return ModeConfig{Mode: ModeAuto, AutoCfg: &EnableConfig{Enable: 1}}
}

// AIMode returns the config switching a device to AI.
func AIMode() ModeConfig {
	return ModeConfig{Mode: ModeAI, AICfg: &EnableConfig{Enable: 1}}
}

// ManualMode returns the config writing one manual schedule slot.
func ManualMode(slot ManualConfig) ModeConfig {
	return ModeConfig{Mode: ModeManual, ManualCfg: &slot}
}

// PassiveMode returns the config for a timed fixed-power run.
func PassiveMode(power, seconds int) ModeConfig {
	return ModeConfig{Mode: ModePassive, PassiveCfg: &PassiveConfig{Power: power, CDTime: seconds}}
}

// DisabledSlot returns a manual slot that clears slot n.
func DisabledSlot(n int) ManualConfig {
	return ManualConfig{
		TimeNum:   n,
		StartTime: "00:00",
		EndTime:   "00:00",
	}
}

// DaysToWeekSet converts day names (mon..sun) into a week_set bitmask.
func DaysToWeekSet(days []string) (int, error) {
	var set int
	for _, d := range days {
		bit, ok := WeekdayBits[d]
		if !ok {
			return 0, fmt.Errorf("unknown day: %q", d)
		}
		set |= bit
	}
	return set, nil
}

// Label describes the config for log lines and errors.
func (c ModeConfig) Label() string {
	if c.ManualCfg != nil {
		return fmt.Sprintf("%s slot %d", c.Mode, c.ManualCfg.TimeNum)
	}
	return c.Mode
}

// Validate checks the config against what the device accepts.
func (c ModeConfig) Validate() error {
	switch c.Mode {
	case ModeAuto:
		if c.AutoCfg == nil {
			return errors.New("auto mode requires auto_cfg")
		}
	case ModeAI:
		if c.AICfg == nil {
			return errors.New("ai mode requires ai_cfg")
		}
	case ModeManual:
		if c.ManualCfg == nil {
			return errors.New("manual mode requires manual_cfg")
		}
		return c.ManualCfg.Validate()
	case ModePassive:
		if c.PassiveCfg == nil {
			return errors.New("passive mode requires passive_cfg")
		}
		if c.PassiveCfg.CDTime <= 0 {
			return fmt.Errorf("invalid cd_time: %d", c.PassiveCfg.CDTime)
		}
	default:
		return fmt.Errorf("unknown mode: %q", c.Mode)
	}
	return nil
}

// Validate checks slot bounds, times and flags.
func (m ManualConfig) Validate() error {
	if m.TimeNum < 0 || m.TimeNum >= MaxScheduleSlots {
		return fmt.Errorf("time_num %d out of range 0..%d", m.TimeNum, MaxScheduleSlots-1)
	}
	if _, err := time.Parse("15:04", m.StartTime); err != nil {
		return fmt.Errorf("invalid start_time %q: %w", m.StartTime, err)
	}
	if _, err := time.Parse("15:04", m.EndTime); err != nil {
		return fmt.Errorf("invalid end_time %q: %w", m.EndTime, err)
	}
	if m.WeekSet < 0 || m.WeekSet > AllDays {
		return fmt.Errorf("invalid week_set: %d", m.WeekSet)
	}
	if m.Enable != 0 && m.Enable != 1 {
		return fmt.Errorf("invalid enable: %d", m.Enable)
	}
	return nil
}
