package ess

import (
	"time"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the client Map from flags.
func Configured() *Map {
	m := NewMap(DefaultRegistry())
	localPort := lflag.Int("marstek-local-port", DefaultPort, "Local UDP port to bind, 0 for an ephemeral port")
	remotePort := lflag.Int("marstek-remote-port", DefaultPort, "UDP port the devices listen on")
	timeout := lflag.Duration("marstek-command-timeout", DefaultCommandTimeout, "How long to wait for each answer")
	attempts := lflag.Int("marstek-max-attempts", DefaultMaxAttempts, "Attempts per command before giving up")

	lflag.Do(func() {
		m.localPort = *localPort
		m.remotePort = *remotePort
		m.timeout = *timeout
		m.maxAttempts = *attempts
	})
	return m
}

// LocalPort returns the local port clients bind.
func (m *Map) LocalPort() int {
	return m.localPort
}

// RemotePort returns the default device port.
func (m *Map) RemotePort() int {
	return m.remotePort
}

// SetCommandLimits changes the per-attempt timeout and attempt count of
// clients created afterwards.
func (m *Map) SetCommandLimits(d time.Duration, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
	m.maxAttempts = attempts
}

// SetPorts changes the local and default remote ports of clients created
// afterwards.
func (m *Map) SetPorts(local, remote int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localPort = local
	m.remotePort = remote
}
