package ess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jaapp/ha-marstek/pkg/log"
	"github.com/jaapp/ha-marstek/pkg/types"
)

const (
	// DefaultPort is the UDP port devices listen on.
	DefaultPort = 30000

	DefaultCommandTimeout = 5 * time.Second
	DefaultMaxAttempts    = 3

	discoveryInterval = time.Second
)

var errTimeout = errors.New("timed out")

type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Client talks to one device, or broadcasts when no host is set. It
// implements Conn.
type Client struct {
	host        string
	localPort   int
	remotePort  int
	registry    *SocketRegistry
	timeout     time.Duration
	maxAttempts int
	broadcast   func() []string
	newID       func() string

	mu     sync.Mutex
	sock   *Socket
	subID  uint64
	remote atomic.Pointer[net.UDPAddr]

	pendingMu sync.Mutex
	pending   map[string]chan response

	statsMu sync.Mutex
	stats   map[string]*types.CommandStats
}

// Option configures a Client.
type Option func(*Client)

// WithRegistry sets the socket registry, DefaultRegistry otherwise.
func WithRegistry(r *SocketRegistry) Option {
	return func(c *Client) { c.registry = r }
}

// WithTimeout sets the per-attempt timeout used by the typed helpers.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxAttempts sets how many attempts the typed helpers make.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithBroadcastAddrs overrides the broadcast address lookup.
func WithBroadcastAddrs(f func() []string) Option {
	return func(c *Client) { c.broadcast = f }
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(f func() string) Option {
	return func(c *Client) { c.newID = f }
}

// NewClient returns a disconnected client. An empty host makes every command
// a broadcast. localPort 0 binds an ephemeral port and remotePort 0 uses
// DefaultPort.
func NewClient(host string, localPort, remotePort int, opts ...Option) *Client {
	if remotePort == 0 {
		remotePort = DefaultPort
	}
	c := &Client{
		host:        host,
		localPort:   localPort,
		remotePort:  remotePort,
		registry:    defaultRegistry,
		timeout:     DefaultCommandTimeout,
		maxAttempts: DefaultMaxAttempts,
		broadcast:   BroadcastAddresses,
		newID:       newMessageID,
		pending:     make(map[string]chan response),
		stats:       make(map[string]*types.CommandStats),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func newMessageID() string {
	return "marstek-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Host returns the configured device host, "" for broadcast.
func (c *Client) Host() string {
	return c.host
}

// Connect attaches the client to the shared socket for its local port. It is
// a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sock != nil {
		return nil
	}
	if c.host != "" {
		addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(c.host, strconv.Itoa(c.remotePort)))
		if err != nil {
			return &APIError{Method: "connect", Err: fmt.Errorf("failed to resolve %s: %w", c.host, err)}
		}
		c.remote.Store(addr)
	}
	sock, err := c.registry.Acquire(c.localPort)
	if err != nil {
		return &APIError{Method: "connect", Err: err}
	}
	c.sock = sock
	c.subID = sock.Subscribe(c.handleDatagram)
	log.Ctx(ctx).DebugContext(ctx, "udp client connected", slog.String("host", c.host), slog.Int("port", sock.Port()))
	return nil
}

// Disconnect releases the socket. It is a no-op when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	sock, subID := c.sock, c.subID
	c.sock = nil
	c.mu.Unlock()

	if sock == nil {
		return nil
	}
	sock.Unsubscribe(subID)
	return c.registry.Release(sock)
}

// Connected reports whether the client holds a socket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock != nil
}

// LocalPort returns the bound local port or 0 when disconnected.
func (c *Client) LocalPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return 0
	}
	return c.sock.Port()
}

// SendCommand sends method with params and waits up to timeout for the
// answer, making at most maxAttempts attempts. Every attempt uses a fresh
// message id so a late answer to an earlier attempt is ignored. It returns
// nil, nil when every attempt timed out and an *APIError when the device
// answered with an error or the request could not be sent.
func (c *Client) SendCommand(ctx context.Context, method string, params any, timeout time.Duration, maxAttempts int) (types.Payload, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{"id": 0}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := c.attempt(ctx, method, params, timeout)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, errTimeout) {
			return nil, err
		}
		log.Ctx(ctx).WarnContext(ctx, "command timed out",
			slog.String("method", method),
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", maxAttempts),
			slog.Duration("timeout", timeout),
		)
	}
	return nil, nil
}

func (c *Client) attempt(ctx context.Context, method string, params any, timeout time.Duration) (types.Payload, error) {
	id, ch := c.register()
	defer c.unregister(id)

	body, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, &APIError{Method: method, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	start := time.Now()
	c.updateStats(method, func(s *types.CommandStats) {
		s.TotalAttempts++
		s.LastAttempt = start
	})

	if err := c.send(body); err != nil {
		c.recordFailure(method, err)
		return nil, &APIError{Method: method, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.recordFailure(method, ctx.Err())
		return nil, ctx.Err()
	case <-timer.C:
		c.updateStats(method, func(s *types.CommandStats) {
			s.TotalTimeouts++
			s.LastSuccess = false
			s.LastError = fmt.Sprintf("timeout after %s", timeout)
		})
		return nil, errTimeout
	case resp := <-ch:
		if resp.Error != nil {
			apiErr := &APIError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
			c.recordFailure(method, apiErr)
			return nil, apiErr
		}
		result := types.Payload{}
		if len(resp.Result) > 0 && string(resp.Result) != "null" {
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				err = fmt.Errorf("failed to decode result: %w", err)
				c.recordFailure(method, err)
				return nil, &APIError{Method: method, Err: err}
			}
		}
		latency := time.Since(start)
		c.updateStats(method, func(s *types.CommandStats) {
			s.TotalSuccess++
			s.LastLatency = latency
			s.LastSuccess = true
			s.LastError = ""
		})
		return result, nil
	}
}

// register reserves an id that no pending command is using.
func (c *Client) register() (string, chan response) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	id := c.newID()
	for {
		if _, taken := c.pending[id]; !taken {
			break
		}
		id = c.newID()
	}
	ch := make(chan response, 1)
	c.pending[id] = ch
	return id, ch
}

func (c *Client) unregister(id string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, id)
}

func (c *Client) send(body []byte) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	remote := c.remote.Load()

	if sock == nil {
		return ErrNotConnected
	}
	if remote != nil {
		return sock.WriteTo(body, remote)
	}

	var errs []error
	for _, addr := range c.broadcast() {
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		if err := sock.WriteTo(body, &net.UDPAddr{IP: ip, Port: c.remotePort}); err != nil {
			errs = append(errs, fmt.Errorf("broadcast to %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

// handleDatagram matches an incoming response to its pending command.
func (c *Client) handleDatagram(data []byte, from *net.UDPAddr) {
	remote := c.remote.Load()
	if remote != nil && from != nil && !remote.IP.Equal(from.IP) {
		return
	}

	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		ctx := context.Background()
		log.Ctx(ctx).DebugContext(ctx, "ignoring undecodable datagram", slog.Any("error", err))
		return
	}
	id := idString(resp.ID)
	if id == "" {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
		// already answered, devices sometimes repeat themselves
	}
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	return ""
}

func (c *Client) recordFailure(method string, err error) {
	c.updateStats(method, func(s *types.CommandStats) {
		s.LastSuccess = false
		s.LastError = err.Error()
	})
}

func (c *Client) updateStats(method string, f func(*types.CommandStats)) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s, ok := c.stats[method]
	if !ok {
		s = &types.CommandStats{}
		c.stats[method] = s
	}
	f(s)
}

// CommandStats returns the statistics for method.
func (c *Client) CommandStats(method string) (types.CommandStats, bool) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s, ok := c.stats[method]
	if !ok {
		return types.CommandStats{}, false
	}
	return *s, true
}

// AllCommandStats returns a copy of the statistics of every method attempted so far.
func (c *Client) AllCommandStats() map[string]types.CommandStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := make(map[string]types.CommandStats, len(c.stats))
	for m, s := range c.stats {
		out[m] = *s
	}
	return out
}
