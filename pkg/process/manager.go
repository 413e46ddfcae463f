// Package process provides signal handling and ordered shutdown
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pageforge/pageforge/pkg/logger"
)

// Manager handles process lifecycle and signals
type Manager struct {
	logger           logger.Logger
	shutdownHandlers []func()
	signals          []os.Signal
	wg               sync.WaitGroup
	mu               sync.Mutex
	running          bool
	shutdownOnce     sync.Once
}

// NewManager creates a new process manager
func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		logger:  log,
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP},
	}
}

// RegisterShutdownHandler adds a handler. Handlers run once, in reverse
// registration order.
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// Start returns a context that is cancelled on the first interrupt or
// termination signal, or when parent is done. Shutdown handlers run after
// cancellation.
func (m *Manager) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		cancel()
		return ctx
	}
	m.running = true
	m.mu.Unlock()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, m.signals...)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer signal.Stop(sigChan)

		select {
		case <-ctx.Done():
		case sig := <-sigChan:
			m.logger.Info("Received signal", logger.WithField("signal", sig))
		}
		cancel()
		m.Shutdown()
	}()

	return ctx
}

// Wait blocks until the shutdown handlers have run
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown runs the registered handlers in reverse order. Only the first
// call, or the signal that ends Start, has an effect.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.logger.Debug("Initiating graceful shutdown...")

		m.mu.Lock()
		handlers := make([]func(), len(m.shutdownHandlers))
		copy(handlers, m.shutdownHandlers)
		m.running = false
		m.mu.Unlock()

		for i := len(handlers) - 1; i >= 0; i-- {
			handlers[i]()
		}
	})
}
