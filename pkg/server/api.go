package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jaapp/ha-marstek/pkg/coordinator"
	"github.com/jaapp/ha-marstek/pkg/log"
	"github.com/jaapp/ha-marstek/pkg/sensor"
	"github.com/jaapp/ha-marstek/pkg/types"
)

// scheduleRequest is one manual schedule slot as accepted by the API.
type scheduleRequest struct {
	TimeNum   int      `json:"time_num"`
	StartTime string   `json:"start_time"`
	EndTime   string   `json:"end_time"`
	Days      []string `json:"days"`
	Power     int      `json:"power"`
	Enabled   *bool    `json:"enabled"`
}

// slot converts the request into a ManualConfig. Days default to the whole
// week and enabled defaults to true.
func (r scheduleRequest) slot() (types.ManualConfig, error) {
	start, err := parseClock(r.StartTime)
	if err != nil {
		return types.ManualConfig{}, fmt.Errorf("invalid start_time: %w", err)
	}
	end, err := parseClock(r.EndTime)
	if err != nil {
		return types.ManualConfig{}, fmt.Errorf("invalid end_time: %w", err)
	}
	weekSet := types.AllDays
	if r.Days != nil {
		weekSet, err = types.DaysToWeekSet(r.Days)
		if err != nil {
			return types.ManualConfig{}, err
		}
	}
	enable := 1
	if r.Enabled != nil && !*r.Enabled {
		enable = 0
	}
	m := types.ManualConfig{
		TimeNum:   r.TimeNum,
		StartTime: start,
		EndTime:   end,
		WeekSet:   weekSet,
		Power:     r.Power,
		Enable:    enable,
	}
	return m, m.Validate()
}

// parseClock accepts HH:MM or HH:MM:SS and returns HH:MM.
func parseClock(s string) (string, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		var err2 error
		t, err2 = time.Parse("15:04:05", s)
		if err2 != nil {
			return "", err
		}
	}
	return t.Format("15:04"), nil
}

type modeRequest struct {
	Mode    string           `json:"mode"`
	Slot    *scheduleRequest `json:"slot,omitempty"`
	Power   int              `json:"power"`
	Seconds int              `json:"seconds"`
}

func (r modeRequest) config() (types.ModeConfig, error) {
	var cfg types.ModeConfig
	switch r.Mode {
	case types.ModeAuto:
		cfg = types.AutoMode()
	case types.ModeAI:
		cfg = types.AIMode()
	case types.ModeManual:
		if r.Slot == nil {
			return cfg, errors.New("manual mode requires a slot")
		}
		m, err := r.Slot.slot()
		if err != nil {
			return cfg, err
		}
		cfg = types.ManualMode(m)
	case types.ModePassive:
		cfg = types.PassiveMode(r.Power, r.Seconds)
	default:
		return cfg, fmt.Errorf("unknown mode: %q", r.Mode)
	}
	return cfg, cfg.Validate()
}

type passiveRequest struct {
	Power   int `json:"power"`
	Seconds int `json:"seconds"`
}

type schedulesRequest struct {
	Schedules []scheduleRequest `json:"schedules"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type deviceResponse struct {
	Info     types.DeviceInfo `json:"info"`
	State    string           `json:"state"`
	Snapshot types.Snapshot   `json:"snapshot"`
}

// writeServiceError maps fleet and service errors to a status code.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, coordinator.ErrUnknownDevice) {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	log.Ctx(r.Context()).WarnContext(r.Context(), "device service failed", "error", err)
	writeJSONError(w, err.Error(), http.StatusBadGateway)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.fleet.Data())
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.fleet.Devices())
}

func (s *Server) deviceInfo(mac string) (types.DeviceInfo, bool) {
	norm := types.NormalizeMAC(mac)
	for _, d := range s.fleet.Devices() {
		if k := d.Key(); k == norm || k == mac || d.Host == mac {
			return d, true
		}
	}
	return types.DeviceInfo{}, false
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	snap, err := s.fleet.DeviceData(mac)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	info, _ := s.deviceInfo(mac)
	writeJSON(w, deviceResponse{
		Info:     info,
		State:    sensor.BatteryState(snap),
		Snapshot: snap,
	})
}

func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.fleet.CommandStats(r.PathValue("mac"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if mac := r.URL.Query().Get("mac"); mac != "" {
		if err := s.fleet.RequestDeviceRefresh(r.Context(), mac); err != nil {
			writeServiceError(w, r, err)
			return
		}
	} else if r.URL.Query().Get("wait") == "true" {
		if err := s.fleet.Refresh(r.Context()); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, s.fleet.Data())
		return
	} else {
		s.fleet.RequestRefresh(r.Context())
	}
	writeJSONStatus(w, http.StatusAccepted, statusResponse{Status: "refresh requested"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, err := req.config()
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.setMode(r.Context(), r.PathValue("mac"), cfg); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, statusResponse{Status: "ok"})
}

func (s *Server) handleSetPassive(w http.ResponseWriter, r *http.Request) {
	var req passiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg := types.PassiveMode(req.Power, req.Seconds)
	if err := cfg.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.setMode(r.Context(), r.PathValue("mac"), cfg); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, statusResponse{Status: "ok"})
}

func (s *Server) handleSetSchedules(w http.ResponseWriter, r *http.Request) {
	var req schedulesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Schedules) == 0 {
		writeJSONError(w, "no schedules given", http.StatusBadRequest)
		return
	}
	slots := make([]types.ManualConfig, 0, len(req.Schedules))
	for i, sr := range req.Schedules {
		m, err := sr.slot()
		if err != nil {
			writeJSONError(w, fmt.Sprintf("schedule %d: %v", i, err), http.StatusBadRequest)
			return
		}
		slots = append(slots, m)
	}
	if err := s.setSchedules(r.Context(), r.PathValue("mac"), slots); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, statusResponse{Status: "ok"})
}

func (s *Server) handleClearSchedules(w http.ResponseWriter, r *http.Request) {
	if err := s.clearSchedules(r.Context(), r.PathValue("mac")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, statusResponse{Status: "ok"})
}
