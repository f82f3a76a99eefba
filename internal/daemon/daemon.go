// Package daemon is faasd's composition root: it wires the registry,
// image extractor, bundle builder, supervisor, listener manager, and
// control API into the running process, grounded on boxer.go's role as
// the single object owning sandbox lifecycle plus mux_server.go's
// daemon-wide startup/shutdown sequencing.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ocifaas/faasd/internal/apierr"
	"github.com/ocifaas/faasd/internal/api"
	"github.com/ocifaas/faasd/internal/bundle"
	"github.com/ocifaas/faasd/internal/config"
	"github.com/ocifaas/faasd/internal/imageextract"
	"github.com/ocifaas/faasd/internal/lifecycle"
	"github.com/ocifaas/faasd/internal/listener"
	"github.com/ocifaas/faasd/internal/registry"
	"github.com/ocifaas/faasd/internal/runcutil"
	"github.com/ocifaas/faasd/internal/supervisor"
	"github.com/ocifaas/faasd/internal/telemetry"
)

// addressBinder is the seam lifecycle.AddressBinder fills in production;
// tests substitute a no-op so Publish can be exercised on loopback
// addresses without invoking iproute2 or requiring root.
type addressBinder interface {
	Bind(ctx context.Context, addr string, maskBits int) error
	UnbindAll(ctx context.Context) error
}

// Daemon owns every long-lived faasd component.
type Daemon struct {
	cfg        *config.Config
	stateDir   string
	reg        *registry.Registry
	supervisor *supervisor.Supervisor
	listeners  *listener.Manager
	binder     addressBinder
	httpServer *http.Server
}

// New wires every component from cfg, using the real runc binary as the
// container runner. It binds the address of every deployment already in
// the registry and starts accepting on it; the management API is served
// only once Run is called.
func New(cfg *config.Config) (*Daemon, error) {
	return NewWithRunner(cfg, runcutil.New(cfg.RuncPath))
}

// NewWithRunner is New with an injectable runcutil.Runner, so tests can
// substitute a fake that simulates a container without invoking the
// real runc binary.
func NewWithRunner(cfg *config.Config, runner runcutil.Runner) (*Daemon, error) {
	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(stateDir, cfg.AddressPoolCIDR, cfg.ListenPort)
	if err != nil {
		return nil, err
	}

	rendezvousTimeout, err := time.ParseDuration(cfg.RendezvousTimeout)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, fmt.Errorf("parsing rendezvousTimeout: %w", err))
	}
	runTimeout, err := time.ParseDuration(cfg.RunTimeout)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, fmt.Errorf("parsing runTimeout: %w", err))
	}

	sv := supervisor.New(supervisor.Options{
		BundlesDir:        filepath.Join(stateDir, "bundles"),
		RendezvousTimeout: rendezvousTimeout,
		RunTimeout:        runTimeout,
		Limits:            bundle.DefaultLimits,
		Runner:            runner,
		Tracer:            telemetry.NewInProcess("faasd"),
	})

	d := &Daemon{
		cfg:        cfg,
		stateDir:   stateDir,
		reg:        reg,
		supervisor: sv,
		binder: &lifecycle.AddressBinder{
			Iface: cfg.Iface,
			Label: cfg.AddressLabel,
		},
	}
	d.listeners = listener.New(context.Background(), d.handleConn)

	for _, dep := range reg.List() {
		if err := d.startListening(context.Background(), dep); err != nil {
			return nil, err
		}
	}

	return d, nil
}

func (d *Daemon) handleConn(ctx context.Context, conn *net.TCPConn, dep registry.Deployment) {
	if err := d.supervisor.Handle(ctx, conn, dep); err != nil {
		slog.ErrorContext(ctx, "daemon.handleConn", "deployment", dep.Name, "error", err)
	}
}

func (d *Daemon) startListening(ctx context.Context, dep registry.Deployment) error {
	if err := d.binder.Bind(ctx, dep.Address, 32); err != nil {
		return err
	}
	if err := d.listeners.AddListener(dep); err != nil {
		d.binder.UnbindAll(ctx)
		return err
	}
	return nil
}

// Publish implements api.Publisher: materialize the image, allocate an
// address, persist the record, bind the address, and start accepting —
// all before returning, so a 200 response always means the deployment
// is live.
func (d *Daemon) Publish(ctx context.Context, name string, image io.Reader) (registry.Deployment, error) {
	rootfsPath := filepath.Join(d.stateDir, "images", name, "rootfs")
	res, err := imageextract.Materialize(ctx, image, rootfsPath)
	if err != nil {
		return registry.Deployment{}, err
	}

	dep, err := d.reg.Allocate(name, res.RootfsPath, d.cfg.ListenPort, res.Command)
	if err != nil {
		os.RemoveAll(rootfsPath)
		return registry.Deployment{}, err
	}

	if err := d.startListening(ctx, dep); err != nil {
		d.reg.Rollback(name)
		os.RemoveAll(rootfsPath)
		return registry.Deployment{}, err
	}

	return dep, nil
}

// List implements api.Lister.
func (d *Daemon) List() []registry.Deployment { return d.reg.List() }

// Lookup implements api.Lister.
func (d *Daemon) Lookup(name string) (registry.Deployment, error) { return d.reg.Lookup(name) }

// Run starts the management HTTP server and blocks until ctx is
// canceled (typically by lifecycle.NotifyShutdown), then drains
// in-flight requests up to cfg.ShutdownDrain before returning.
func (d *Daemon) Run(ctx context.Context) error {
	srv := api.New(d, d)
	d.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", d.cfg.ManagementPort),
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return d.shutdown()
}

func (d *Daemon) shutdown() error {
	drain, err := time.ParseDuration(d.cfg.ShutdownDrain)
	if err != nil {
		drain = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	if d.httpServer != nil {
		d.httpServer.Shutdown(ctx)
	}

	for _, dep := range d.reg.List() {
		d.listeners.RemoveListener(dep.Name)
	}
	d.listeners.DrainRequests(ctx)

	if err := d.binder.UnbindAll(context.Background()); err != nil {
		slog.Error("daemon.shutdown UnbindAll", "error", err)
	}

	bundlesDir := filepath.Join(d.stateDir, "bundles")
	entries, _ := os.ReadDir(bundlesDir)
	for _, e := range entries {
		os.RemoveAll(filepath.Join(bundlesDir, e.Name()))
	}

	return nil
}
