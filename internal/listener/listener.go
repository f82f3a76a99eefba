// Package listener owns one accepting goroutine per deployment address,
// dispatching each accepted connection to a Handler without ever
// blocking its own accept loop. Grounded on the teacher's
// waitForShutdown/serveHTTP split in sand/mux.go, generalized from a
// single unix-socket daemon listener to a set of per-deployment TCP
// listeners supervised together with golang.org/x/sync/errgroup.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ocifaas/faasd/internal/apierr"
	"github.com/ocifaas/faasd/internal/registry"
)

// Handler processes one accepted connection for a deployment. It is
// always called in its own goroutine; Manager never waits on it.
type Handler func(ctx context.Context, conn *net.TCPConn, d registry.Deployment)

type entry struct {
	ln     *net.TCPListener
	cancel context.CancelFunc
}

// Manager owns the live set of per-deployment listeners.
type Manager struct {
	handler Handler

	mu        sync.Mutex
	listeners map[string]*entry
	group     *errgroup.Group
	groupCtx  context.Context
	wg        sync.WaitGroup
}

// New returns a Manager whose accept loops run under group, so the
// caller's top-level errgroup.Wait observes any listener that exits for
// reasons other than being intentionally removed.
func New(ctx context.Context, handler Handler) *Manager {
	g, gctx := errgroup.WithContext(ctx)
	return &Manager{
		handler:   handler,
		listeners: map[string]*entry{},
		group:     g,
		groupCtx:  gctx,
	}
}

// AddListener binds addr:port for deployment d and starts accepting.
// Exactly one listener exists per deployment name at a time; callers
// must RemoveListener before calling AddListener again for the same name.
func (m *Manager) AddListener(d registry.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listeners[d.Name]; ok {
		return apierr.New(apierr.AlreadyExists, fmt.Sprintf("listener for %q already running", d.Name))
	}

	addr := fmt.Sprintf("%s:%d", d.Address, d.Port)
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return apierr.Wrap(apierr.Bind, fmt.Errorf("resolving %s: %w", addr, err))
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return apierr.Wrap(apierr.Bind, fmt.Errorf("binding %s: %w", addr, err))
	}

	ctx, cancel := context.WithCancel(m.groupCtx)
	m.listeners[d.Name] = &entry{ln: ln, cancel: cancel}

	m.wg.Add(1)
	m.group.Go(func() error {
		defer m.wg.Done()
		return m.acceptLoop(ctx, ln, d)
	})

	return nil
}

// Addr returns the bound address of the listener for name, or nil if no
// listener is currently running for it. Useful in tests and for
// resolving an ephemeral (port 0) bind back to its OS-chosen port.
func (m *Manager) Addr(name string) *net.TCPAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.listeners[name]
	if !ok {
		return nil
	}
	return e.ln.Addr().(*net.TCPAddr)
}

// RemoveListener stops accepting for name and closes its socket. It is a
// no-op if name has no live listener.
func (m *Manager) RemoveListener(name string) {
	m.mu.Lock()
	e, ok := m.listeners[name]
	if ok {
		delete(m.listeners, name)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	e.cancel()
	e.ln.Close()
}

// Wait blocks until every accept loop has exited, returning the first
// non-nil error any of them returned (intentional removals do not count
// as errors).
func (m *Manager) Wait() error {
	return m.group.Wait()
}

// DrainRequests waits (up to the caller's own context deadline) for all
// in-flight Handler invocations dispatched by every accept loop to
// finish. Accept loops themselves are expected to already be stopped by
// the time this is called during shutdown.
func (m *Manager) DrainRequests(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) acceptLoop(ctx context.Context, ln *net.TCPListener, d registry.Deployment) error {
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil // intentional removal/shutdown, not a failure
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				slog.WarnContext(ctx, "listener.acceptLoop transient accept error", "deployment", d.Name, "error", err)
				continue
			}
			slog.ErrorContext(ctx, "listener.acceptLoop persistent accept error, listener degraded", "deployment", d.Name, "error", err)
			ln.Close()
			return err
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handler(ctx, conn, d)
		}()
	}
}
