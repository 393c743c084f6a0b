// Package gateway owns the HTTP server's lifecycle: binding a loopback
// port with a fallback sequence, launching the background log-drain and
// circuit-emitter tasks alongside it, and joining everything on a bounded
// shutdown.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aio/gateway/internal/constants"
	"github.com/aio/gateway/internal/domain"
	"github.com/aio/gateway/internal/logger"
)

// Task is a background goroutine the Manager joins on Stop.
type Task func(ctx context.Context)

// bundle is the lifecycle bundle the Manager exclusively owns while
// running. Request tasks never see it; they only borrow the handles it
// wraps (HTTP client, breaker, etc., via the forwarder).
type bundle struct {
	cancel     context.CancelFunc
	listener   net.Listener
	server     *http.Server
	tasks      *errgroup.Group
	serverDone chan struct{}
}

// Manager binds the gateway's HTTP server and owns its background tasks.
// It is safe to call Start/Stop from one goroutine at a time; Stop is
// idempotent.
type Manager struct {
	mu      sync.Mutex
	current *bundle
	status  domain.GatewayStatus

	handler http.Handler
	log     *logger.StyledLogger

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration

	backgroundTasks []Task
}

// Config tunes the Manager's HTTP server.
type Config struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// New constructs a Manager bound to handler, which should already wrap the
// full route surface (§4.8). backgroundTasks are launched alongside the
// server on Start and joined on Stop — the log-drain, attempt-log-drain,
// and circuit-emitter tasks.
func New(handler http.Handler, log *logger.StyledLogger, cfg Config, backgroundTasks ...Task) *Manager {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = constants.DefaultStopTimeout
	}
	return &Manager{
		handler:         handler,
		log:             log,
		readTimeout:     cfg.ReadTimeout,
		writeTimeout:    cfg.WriteTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		backgroundTasks: backgroundTasks,
	}
}

// Start binds host:preferredPort, trying preferredPort+1..+N and finally an
// OS-assigned port (":0") if every preferred candidate is in use, then
// launches the HTTP server and every background task.
func (m *Manager) Start(ctx context.Context, host string, preferredPort, fallbackN int) (domain.GatewayStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return m.status, errors.New("gateway already running")
	}

	listener, port, err := bindWithFallback(host, preferredPort, fallbackN)
	if err != nil {
		return domain.GatewayStatus{}, fmt.Errorf("bind gateway port: %w", err)
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(taskCtx)

	server := &http.Server{
		Handler:      m.handler,
		ReadTimeout:  m.readTimeout,
		WriteTimeout: m.writeTimeout,
	}

	b := &bundle{
		cancel:     cancel,
		listener:   listener,
		server:     server,
		tasks:      eg,
		serverDone: make(chan struct{}),
	}

	go func() {
		defer close(b.serverDone)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("gateway server error", "error", err)
		}
	}()

	for _, task := range m.backgroundTasks {
		t := task
		eg.Go(func() error {
			t(egCtx)
			return nil
		})
	}

	baseURL := fmt.Sprintf("http://%s:%d", host, port)
	m.current = b
	m.status = domain.GatewayStatus{Running: true, Port: port, BaseURL: baseURL}

	m.log.Info("gateway started", "bind", listener.Addr().String(), "base_url", baseURL)
	return m.status, nil
}

// Stop signals shutdown, joins the server and background tasks with a
// bounded wait, and is a no-op if the gateway is not running. Safe to call
// more than once.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	b := m.current
	m.current = nil
	if b != nil {
		m.status = domain.GatewayStatus{}
	}
	m.mu.Unlock()

	if b == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
	defer cancel()

	shutdownErr := b.server.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		m.log.Warn("gateway server did not shut down cleanly, aborting", "error", shutdownErr)
		_ = b.server.Close()
	}

	select {
	case <-b.serverDone:
	case <-time.After(constants.DefaultAbortGrace):
		m.log.Warn("gateway server task did not exit within abort grace period")
	}

	b.cancel()

	done := make(chan struct{})
	go func() {
		_ = b.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(constants.DefaultAbortGrace):
		m.log.Warn("gateway background tasks did not exit within grace period")
	}

	return nil
}

// Status returns a detached snapshot of the current binding.
func (m *Manager) Status() domain.GatewayStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func bindWithFallback(host string, preferredPort, fallbackN int) (net.Listener, int, error) {
	for offset := 0; offset <= fallbackN; offset++ {
		port := preferredPort + offset
		addr := fmt.Sprintf("%s:%d", host, port)
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			return listener, listener.Addr().(*net.TCPAddr).Port, nil
		}
		if !isAddrInUse(err) {
			return nil, 0, err
		}
	}

	// Every preferred candidate was taken; fall back to an OS-assigned
	// ephemeral port.
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:0", host))
	if err != nil {
		return nil, 0, err
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
