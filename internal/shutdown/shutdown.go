package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/cachestat/internal/logging"
)

// Manager runs registered cleanup once the process is asked to stop
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration

	mu    sync.Mutex
	funcs []namedFunc

	shutdownOnce sync.Once
	done         chan struct{}
	err          error
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

type namedFunc struct {
	name string
	fn   ShutdownFunc
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Manager{
		logger:  cfg.Logger.WithComponent("shutdown"),
		timeout: cfg.Timeout,
		done:    make(chan struct{}),
	}
}

// RegisterFunc registers a cleanup function. Functions run in registration
// order.
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("name", name).Msg("Registered shutdown function")
	m.funcs = append(m.funcs, namedFunc{name: name, fn: fn})
}

// WaitForSignal blocks until a shutdown signal is received or ctx is done.
// It reports whether a signal arrived.
func (m *Manager) WaitForSignal(ctx context.Context, signals ...os.Signal) bool {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received")
		return true
	case <-ctx.Done():
		return false
	}
}

// Shutdown runs every registered function once, in order, sharing one
// timeout. A failing function does not stop the ones after it.
func (m *Manager) Shutdown() error {
	m.shutdownOnce.Do(func() {
		m.err = m.performShutdown()
		close(m.done)
	})
	<-m.done
	return m.err
}

func (m *Manager) performShutdown() error {
	m.mu.Lock()
	funcs := append([]namedFunc(nil), m.funcs...)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("functions", len(funcs)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for _, nf := range funcs {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: skipped: %w", nf.name, ctx.Err()))
			continue
		}

		if err := nf.fn(ctx); err != nil {
			m.logger.Error().
				Err(err).
				Str("name", nf.name).
				Msg("Shutdown function failed")
			errs = append(errs, fmt.Errorf("%s: %w", nf.name, err))
			continue
		}
		m.logger.Debug().Str("name", nf.name).Msg("Shutdown function completed")
	}

	if len(errs) > 0 {
		m.logger.Warn().
			Int("errors", len(errs)).
			Msg("Graceful shutdown completed with errors")
		return errors.Join(errs...)
	}

	m.logger.Info().Msg("Graceful shutdown completed successfully")
	return nil
}

// Done returns a channel that is closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
