package ess

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"net"
	"sync"

	"github.com/jaapp/ha-marstek/pkg/log"
	"github.com/jaapp/ha-marstek/pkg/types"
)

// MockRequest is a request received by a MockDevice.
type MockRequest struct {
	ID     string
	Method string
	Params json.RawMessage
}

// MockDevice answers the local API over UDP like a real device would. It is
// used by tests and by the -mock-device flag.
type MockDevice struct {
	conn *net.UDPConn
	done chan struct{}

	mu       sync.Mutex
	results  map[string]types.Payload
	errs     map[string]rpcError
	silent   map[string]bool
	mode     string
	reject   bool
	repeat   int
	requests []MockRequest
}

type mockRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type mockResponse struct {
	ID     json.RawMessage `json:"id"`
	Result types.Payload   `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// NewMockDevice listens on addr (for example "127.0.0.1:0") and answers with
// the given results keyed by method.
func NewMockDevice(addr string, results map[string]types.Payload) (*MockDevice, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}
	m := &MockDevice{
		conn:    conn,
		done:    make(chan struct{}),
		results: maps.Clone(results),
		errs:    make(map[string]rpcError),
		silent:  make(map[string]bool),
		mode:    types.ModeAuto,
		repeat:  1,
	}
	if m.results == nil {
		m.results = make(map[string]types.Payload)
	}
	go m.serve()
	return m, nil
}

// DefaultMockResults returns plausible answers for a device with the given
// identity. Raw values use the firmware's integer encoding.
func DefaultMockResults(model string, firmware int, mac string) map[string]types.Payload {
	return map[string]types.Payload{
		MethodGetDevice: {
			"device":   model,
			"ver":      firmware,
			"ble_mac":  mac,
			"wifi_mac": mac,
			"ip":       "127.0.0.1",
		},
		MethodESStatus: {
			"bat_soc":                  55,
			"bat_cap":                  5120,
			"pv_power":                 0,
			"ongrid_power":             120,
			"offgrid_power":            0,
			"bat_power":                300,
			"total_pv_energy":          0,
			"total_grid_output_energy": 15230,
			"total_grid_input_energy":  20110,
			"total_load_energy":        30450,
		},
		MethodBatteryStatus: {
			"soc":            55,
			"charg_flag":     true,
			"dischrg_flag":   true,
			"bat_temp":       25,
			"bat_capacity":   2816,
			"rated_capacity": 5120,
		},
		MethodEMStatus: {
			"ct_state":    1,
			"a_power":     100,
			"b_power":     150,
			"c_power":     120,
			"total_power": 370,
		},
		MethodPVStatus: {
			"pv_power":   0,
			"pv_voltage": 0,
			"pv_current": 0,
		},
		MethodWiFiStatus: {
			"ssid":     "mock",
			"rssi":     -50,
			"sta_ip":   "127.0.0.1",
			"sta_gate": "127.0.0.1",
			"sta_mask": "255.0.0.0",
			"sta_dns":  "127.0.0.1",
		},
		MethodBLEStatus: {
			"state":   "connect",
			"ble_mac": mac,
		},
		MethodESMode: {
			"ongrid_power":  120,
			"offgrid_power": 0,
			"bat_soc":       55,
		},
	}
}

// Addr returns the address the mock listens on.
func (m *MockDevice) Addr() *net.UDPAddr {
	return m.conn.LocalAddr().(*net.UDPAddr)
}

// Port returns the UDP port the mock listens on.
func (m *MockDevice) Port() int {
	return m.Addr().Port
}

// SetResult sets the answer for method.
func (m *MockDevice) SetResult(method string, result types.Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[method] = result
}

// SetError makes method answer with an error object.
func (m *MockDevice) SetError(method string, code int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[method] = rpcError{Code: code, Message: message}
}

// SetSilent makes the mock drop requests for method.
func (m *MockDevice) SetSilent(method string, silent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent[method] = silent
}

// SetRejectMode makes ES.SetMode answer set_result false.
func (m *MockDevice) SetRejectMode(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject = reject
}

// SetRepeat makes the mock send every answer n times.
func (m *MockDevice) SetRepeat(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repeat = max(n, 1)
}

// Mode returns the last accepted operating mode.
func (m *MockDevice) Mode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Requests returns every request received so far.
func (m *MockDevice) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

// Close stops the mock.
func (m *MockDevice) Close() error {
	err := m.conn.Close()
	<-m.done
	return err
}

func (m *MockDevice) serve() {
	defer close(m.done)
	ctx := context.Background()
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		var req mockRequest
		if err := json.Unmarshal(buf[:n], &req); err != nil {
			log.Ctx(ctx).DebugContext(ctx, "mock device got undecodable request", slog.Any("error", err))
			continue
		}
		resp, repeat, ok := m.handle(req)
		if !ok {
			continue
		}
		body, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		for range repeat {
			if _, err := m.conn.WriteToUDP(body, from); err != nil {
				log.Ctx(ctx).DebugContext(ctx, "mock device failed to answer", slog.Any("error", err))
			}
		}
	}
}

func (m *MockDevice) handle(req mockRequest) (mockResponse, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id string
	_ = json.Unmarshal(req.ID, &id)
	m.requests = append(m.requests, MockRequest{ID: id, Method: req.Method, Params: req.Params})

	if m.silent[req.Method] {
		return mockResponse{}, 0, false
	}
	resp := mockResponse{ID: req.ID}
	if e, ok := m.errs[req.Method]; ok {
		resp.Error = &e
		return resp, m.repeat, true
	}

	switch req.Method {
	case MethodESSetMode:
		var params struct {
			Config types.ModeConfig `json:"config"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Config.Validate() != nil || m.reject {
			resp.Result = types.Payload{"id": 0, "set_result": false}
			return resp, m.repeat, true
		}
		m.mode = params.Config.Mode
		resp.Result = types.Payload{"id": 0, "set_result": true}
	case MethodESMode:
		result := maps.Clone(m.results[req.Method])
		if result == nil {
			result = types.Payload{}
		}
		result["mode"] = m.mode
		resp.Result = result
	default:
		result, ok := m.results[req.Method]
		if !ok {
			resp.Error = &rpcError{Code: -32601, Message: "Method not found"}
			return resp, m.repeat, true
		}
		resp.Result = result
	}
	return resp, m.repeat, true
}
