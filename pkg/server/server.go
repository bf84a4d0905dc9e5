package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jaapp/ha-marstek/pkg/common"
	"github.com/jaapp/ha-marstek/pkg/log"
	"github.com/jaapp/ha-marstek/pkg/types"
)

const (
	DefaultModeAttempts   = 3
	DefaultModeRetryDelay = 2 * time.Second
	DefaultSlotDelay      = 500 * time.Millisecond
	DefaultClearDelay     = 300 * time.Millisecond
	// DefaultWriteTimeout covers clearing every schedule slot when each write
	// uses all of its device attempts.
	DefaultWriteTimeout = 5 * time.Minute
)

// Fleet is what the server needs from the device coordinators.
type Fleet interface {
	Data() types.FleetSnapshot
	DeviceData(mac string) (types.Snapshot, error)
	Devices() []types.DeviceInfo
	CommandStats(mac string) (map[string]types.CommandStats, error)
	SetESMode(ctx context.Context, mac string, cfg types.ModeConfig) (bool, error)
	Refresh(ctx context.Context) error
	RequestRefresh(ctx context.Context)
	RequestDeviceRefresh(ctx context.Context, mac string) error
}

// Server exposes the fleet snapshot, the mode and schedule services and the
// prometheus metrics over HTTP.
type Server struct {
	fleet    Fleet
	registry *prometheus.Registry

	listenAddr   string
	writeTimeout time.Duration
	httpServer   *http.Server
	serverName   string

	modeAttempts   int
	modeRetryDelay time.Duration
	slotDelay      time.Duration
	clearDelay     time.Duration
}

// New returns a Server for fleet with the default service timings.
func New(fleet Fleet) *Server {
	s := &Server{
		fleet:          fleet,
		registry:       prometheus.NewRegistry(),
		listenAddr:     ":8080",
		writeTimeout:   DefaultWriteTimeout,
		serverName:     common.ServerName(),
		modeAttempts:   DefaultModeAttempts,
		modeRetryDelay: DefaultModeRetryDelay,
		slotDelay:      DefaultSlotDelay,
		clearDelay:     DefaultClearDelay,
	}
	s.registry.MustRegister(NewCollector(fleet))
	s.registry.MustRegister(collectors.NewGoCollector())
	return s
}

// Configured initializes the Server with the fleet it serves.
// It uses lflag to register command-line flags for configuration.
func Configured(fleet Fleet) *Server {
	srv := New(fleet)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	writeTimeout := lflag.Duration("http-write-timeout", DefaultWriteTimeout, "Maximum duration of a response, schedule writes can take minutes")
	modeAttempts := lflag.Int("mode-attempts", DefaultModeAttempts, "How many times a mode change is tried before giving up")
	modeRetryDelay := lflag.Duration("mode-retry-delay", DefaultModeRetryDelay, "Delay between two mode change attempts")
	slotDelay := lflag.Duration("schedule-slot-delay", DefaultSlotDelay, "Delay between two manual schedule slot writes")
	clearDelay := lflag.Duration("schedule-clear-delay", DefaultClearDelay, "Delay between two slot writes when clearing schedules")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.writeTimeout = *writeTimeout
		if *modeAttempts < 1 {
			log.Ctx(context.Background()).Error("mode-attempts must be at least 1")
			os.Exit(1)
		}
		srv.modeAttempts = *modeAttempts
		srv.modeRetryDelay = *modeRetryDelay
		srv.slotDelay = *slotDelay
		srv.clearDelay = *clearDelay
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	apiMux.HandleFunc("GET /api/devices", s.handleListDevices)
	apiMux.HandleFunc("GET /api/devices/{mac}", s.handleDevice)
	apiMux.HandleFunc("GET /api/devices/{mac}/stats", s.handleDeviceStats)
	apiMux.HandleFunc("POST /api/sync", s.handleSync)
	apiMux.HandleFunc("POST /api/devices/{mac}/mode", s.handleSetMode)
	apiMux.HandleFunc("POST /api/devices/{mac}/schedules", s.handleSetSchedules)
	apiMux.HandleFunc("DELETE /api/devices/{mac}/schedules", s.handleClearSchedules)
	apiMux.HandleFunc("POST /api/devices/{mac}/passive", s.handleSetPassive)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiMux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

func (s *Server) newHTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  15 * time.Second,
	}
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = s.newHTTPServer()

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
