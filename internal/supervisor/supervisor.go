// Package supervisor drives one container through its entire life: bundle
// construction, runc launch, file-descriptor handoff of an accepted
// client connection, and teardown. Grounded on the state-machine shape
// implicit in the teacher's Box/Boxer split (box.go's CreateContainer →
// StartContainer → Shell/Exec → Cleanup sequence), generalized from an
// interactive shell session to one request-scoped container.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/ocifaas/faasd/internal/apierr"
	"github.com/ocifaas/faasd/internal/bundle"
	"github.com/ocifaas/faasd/internal/fdhandoff"
	"github.com/ocifaas/faasd/internal/registry"
	"github.com/ocifaas/faasd/internal/runcutil"
	"github.com/ocifaas/faasd/internal/telemetry"
)

// Status names the container's position in the life-cycle state machine,
// recorded on spans and in log lines for each request.
type Status string

const (
	Created     Status = "Created"
	BundleReady Status = "BundleReady"
	Launched    Status = "Launched"
	Connected   Status = "Connected"
	Transferred Status = "Transferred"
	Exited      Status = "Exited"
	Killed      Status = "Killed"
	Cleaned     Status = "Cleaned"
)

// Options configures one Supervisor; all durations come from
// internal/config, parsed once at daemon startup.
type Options struct {
	BundlesDir        string
	RendezvousTimeout time.Duration
	RunTimeout        time.Duration
	Limits            bundle.Limits
	Runner            runcutil.Runner
	Tracer            telemetry.Tracer
}

// Supervisor owns the runc Runner and bundle directory root shared by
// every container it launches.
type Supervisor struct {
	opts Options
}

// New builds a Supervisor from opts, defaulting its timeouts to spec.md's
// conventional 5s rendezvous / 30s run budgets when unset.
func New(opts Options) *Supervisor {
	if opts.RendezvousTimeout == 0 {
		opts.RendezvousTimeout = 5 * time.Second
	}
	if opts.RunTimeout == 0 {
		opts.RunTimeout = 30 * time.Second
	}
	if opts.Limits == (bundle.Limits{}) {
		opts.Limits = bundle.DefaultLimits
	}
	return &Supervisor{opts: opts}
}

// Handle drives one request's container from nothing to cleaned up. It
// always calls runc delete --force on exit, never returns a live
// container handle, and only ever surfaces a caller-facing error when
// the failure happened before the client connection's fd was handed off
// (after handoff, the client is the container's problem, not the
// listener's — spec.md's "fire and forget once transferred" invariant).
func (s *Supervisor) Handle(ctx context.Context, clientConn *net.TCPConn, d registry.Deployment) (err error) {
	id := uuid.NewString()
	ctx, span := s.opts.Tracer.Start(ctx, "supervisor.Handle")
	defer span.End()

	status := Created
	log := slog.With("container_id", id, "deployment", d.Name)

	var cleanupErrs *multierror.Error
	bundleDir := filepath.Join(s.opts.BundlesDir, id)
	defer func() {
		if delErr := s.opts.Runner.Delete(context.Background(), id, true); delErr != nil {
			cleanupErrs = multierror.Append(cleanupErrs, delErr)
		}
		if rmErr := bundle.Remove(bundleDir); rmErr != nil {
			cleanupErrs = multierror.Append(cleanupErrs, rmErr)
		}
		status = Cleaned
		log.Info("supervisor.Handle cleaned up", "status", status)
		if cleanupErrs.ErrorOrNil() != nil {
			log.Warn("supervisor.Handle cleanup encountered non-fatal errors", "errors", cleanupErrs.Error())
		}
	}()

	sockDir := filepath.Join(s.opts.BundlesDir, id)
	rendezvousPath, acceptor, err := fdhandoff.Prepare(sockDir, "control")
	if err != nil {
		return fmt.Errorf("preparing rendezvous socket: %w", err)
	}

	if _, err := bundle.Build(ctx, s.opts.BundlesDir, id, d, rendezvousPath, s.opts.Limits); err != nil {
		acceptor.Close()
		return fmt.Errorf("building bundle: %w", err)
	}
	status = BundleReady

	proc, err := s.opts.Runner.Run(ctx, bundleDir, id)
	if err != nil {
		acceptor.Close()
		return fmt.Errorf("launching container: %w", err)
	}
	status = Launched
	log.Info("supervisor.Handle launched container", "status", status)

	fd, err := clientFD(clientConn)
	if err != nil {
		s.opts.Runner.Kill(ctx, id, "KILL")
		return fmt.Errorf("extracting client descriptor: %w", err)
	}

	transferErr := acceptor.Transfer(ctx, fd, time.Now().Add(s.opts.RendezvousTimeout))
	if transferErr != nil {
		status = Killed
		s.opts.Runner.Kill(context.Background(), id, "KILL")
		log.Warn("supervisor.Handle rendezvous failed, killed container", "error", transferErr)
		return fmt.Errorf("handing off client connection: %w", transferErr)
	}
	status = Transferred
	log.Info("supervisor.Handle transferred client descriptor", "status", status)
	clientConn.Close()

	waitCtx, cancel := context.WithTimeout(context.Background(), s.opts.RunTimeout)
	defer cancel()
	if waitErr := proc.Wait(waitCtx); waitErr != nil {
		status = Killed
		s.opts.Runner.Kill(context.Background(), id, "KILL")
		log.Warn("supervisor.Handle container did not exit within run timeout", "error", waitErr)
		if proc.Stderr.Len() > 0 {
			log.Error("container stderr", "stderr", proc.Stderr.String())
		}
		return nil // diagnostic detail is logged, not returned, per spec.md §7.
	}
	status = Exited
	if proc.Stderr.Len() > 0 {
		log.Error("container stderr", "stderr", proc.Stderr.String())
	}
	log.Info("supervisor.Handle container exited", "status", status)
	return nil
}

// clientFD extracts the raw OS file descriptor from an accepted TCP
// connection so it can be handed to the container via SCM_RIGHTS. It
// dup(2)s the descriptor: the original stays owned by conn (closed when
// the caller closes conn), while the duplicate is the one transferred
// and then closed by fdhandoff once the container has it.
func clientFD(conn *net.TCPConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, apierr.Wrap(apierr.Internal, err)
	}
	var fd int
	var dupErr error
	if err := raw.Control(func(f uintptr) {
		fd, dupErr = syscall.Dup(int(f))
	}); err != nil {
		return 0, apierr.Wrap(apierr.Internal, err)
	}
	if dupErr != nil {
		return 0, apierr.Wrap(apierr.Internal, dupErr)
	}
	return fd, nil
}
