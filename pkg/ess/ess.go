package ess

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jaapp/ha-marstek/pkg/types"
)

// Map hands out one client per device so that repeated lookups for the same
// host share state and statistics.
type Map struct {
	registry    *SocketRegistry
	localPort   int
	remotePort  int
	timeout     time.Duration
	maxAttempts int

	mu      sync.Mutex
	clients map[string]*Client
}

// NewMap creates a new client Map on the given registry.
func NewMap(registry *SocketRegistry) *Map {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Map{
		registry:    registry,
		localPort:   DefaultPort,
		remotePort:  DefaultPort,
		timeout:     DefaultCommandTimeout,
		maxAttempts: DefaultMaxAttempts,
		clients:     make(map[string]*Client),
	}
}

func (m *Map) options() []Option {
	return []Option{
		WithRegistry(m.registry),
		WithTimeout(m.timeout),
		WithMaxAttempts(m.maxAttempts),
	}
}

// Device returns the client for the device described by info, creating it if
// needed. A zero RemotePort uses the Map's default.
func (m *Map) Device(info types.DeviceInfo) Conn {
	port := info.RemotePort
	if port == 0 {
		port = m.remotePort
	}
	return m.Host(info.Host, port)
}

// Host returns the client for host and port.
func (m *Map) Host(host string, port int) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(host) + "|" + strconv.Itoa(port)
	if c, ok := m.clients[key]; ok {
		return c
	}
	c := NewClient(host, m.localPort, port, m.options()...)
	m.clients[key] = c
	return c
}

// Broadcast returns a new client without a host, used for discovery.
func (m *Map) Broadcast() *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return NewClient("", m.localPort, m.remotePort, m.options()...)
}

// Close disconnects every client created by the Map.
func (m *Map) Close() error {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	var firstErr error
	for _, c := range clients {
		if err := c.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
