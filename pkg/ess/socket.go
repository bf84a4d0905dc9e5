package ess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/jaapp/ha-marstek/pkg/log"
)

const maxDatagramSize = 64 * 1024

// ListenFunc opens the UDP socket for a local port.
type ListenFunc func(port int) (net.PacketConn, error)

func listenUDP(port int) (net.PacketConn, error) {
	// SO_BROADCAST is enabled on UDP sockets by the net package
	return net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
}

// SocketRegistry hands out UDP sockets keyed by local port so that several
// clients bound to the same port share one socket. A socket is closed when the
// last reference is released.
type SocketRegistry struct {
	mu      sync.Mutex
	sockets map[int]*Socket
	listen  ListenFunc
}

// NewSocketRegistry returns an empty registry. A nil listen uses a plain UDP
// socket on all interfaces.
func NewSocketRegistry(listen ListenFunc) *SocketRegistry {
	if listen == nil {
		listen = listenUDP
	}
	return &SocketRegistry{
		sockets: make(map[int]*Socket),
		listen:  listen,
	}
}

var defaultRegistry = NewSocketRegistry(nil)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *SocketRegistry {
	return defaultRegistry
}

// Acquire returns the socket bound to port, opening it if needed. Port 0
// always opens a new ephemeral socket.
func (r *SocketRegistry) Acquire(port int) (*Socket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if port != 0 {
		if s, ok := r.sockets[port]; ok {
			s.refs++
			return s, nil
		}
	}

	conn, err := r.listen(port)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on udp port %d: %w", port, err)
	}
	s := &Socket{
		conn: conn,
		refs: 1,
		subs: make(map[uint64]Handler),
		done: make(chan struct{}),
	}
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		s.port = addr.Port
	} else {
		s.port = port
	}
	r.sockets[s.port] = s
	go s.readLoop()
	return s, nil
}

// Release drops one reference to s and closes it when none are left.
func (r *SocketRegistry) Release(s *Socket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.refs--
	if s.refs > 0 {
		return nil
	}
	if r.sockets[s.port] == s {
		delete(r.sockets, s.port)
	}
	return s.close()
}

// RefCount returns how many clients share the socket on port.
func (r *SocketRegistry) RefCount(port int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sockets[port]; ok {
		return s.refs
	}
	return 0
}

// Handler receives every datagram arriving on a socket. Handlers must ignore
// traffic that is not meant for them.
type Handler func(data []byte, from *net.UDPAddr)

// Socket is a UDP socket shared between clients.
type Socket struct {
	conn net.PacketConn
	port int
	refs int // guarded by the registry

	mu      sync.RWMutex
	subs    map[uint64]Handler
	nextSub uint64

	done chan struct{}
}

// Port returns the bound local port.
func (s *Socket) Port() int {
	return s.port
}

// Subscribe registers h and returns an id for Unsubscribe.
func (s *Socket) Subscribe(h Handler) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	s.subs[s.nextSub] = h
	return s.nextSub
}

// Unsubscribe removes a handler. Unknown ids are ignored.
func (s *Socket) Unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// WriteTo sends a datagram.
func (s *Socket) WriteTo(b []byte, addr net.Addr) error {
	_, err := s.conn.WriteTo(b, addr)
	return err
}

func (s *Socket) close() error {
	err := s.conn.Close()
	<-s.done
	return err
}

func (s *Socket) readLoop() {
	defer close(s.done)
	ctx := context.Background()
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Ctx(ctx).WarnContext(ctx, "udp read failed", slog.Int("port", s.port), slog.Any("error", err))
			continue
		}
		from, _ := addr.(*net.UDPAddr)
		data := make([]byte, n)
		copy(data, buf[:n])

		s.mu.RLock()
		handlers := make([]Handler, 0, len(s.subs))
		for _, h := range s.subs {
			handlers = append(handlers, h)
		}
		s.mu.RUnlock()

		for _, h := range handlers {
			h(data, from)
		}
	}
}
