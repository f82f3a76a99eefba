// Package fdhandoff passes an accepted client connection's file
// descriptor into a freshly launched container over a unix-domain
// rendezvous socket, using SCM_RIGHTS ancillary data. No example in the
// retrieved pack does file-descriptor passing (grepping the whole corpus
// for UnixRights/ReadMsgUnix/WriteMsgUnix turns up nothing), so this is
// the one deliberately stdlib-only (net, syscall) corner of the design —
// see DESIGN.md.
package fdhandoff

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ocifaas/faasd/internal/apierr"
)

// Acceptor wraps the rendezvous unix listener for one container launch.
type Acceptor struct {
	ln   *net.UnixListener
	path string
}

// Prepare binds a fresh unix-domain socket at dir/<id>.sock and returns
// its path alongside an Acceptor ready to hand a descriptor to whichever
// process connects first (the container, once runc has started it).
func Prepare(dir, id string) (string, *Acceptor, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", nil, apierr.Wrap(apierr.Internal, fmt.Errorf("creating rendezvous dir: %w", err))
	}

	path := filepath.Join(dir, id+".sock")
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return "", nil, apierr.Wrap(apierr.Internal, fmt.Errorf("resolving rendezvous address: %w", err))
	}

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return "", nil, apierr.Wrap(apierr.Internal, fmt.Errorf("binding rendezvous socket: %w", err))
	}

	return path, &Acceptor{ln: ln, path: path}, nil
}

// Transfer blocks for a single connection on the rendezvous socket and
// writes fd to it as SCM_RIGHTS ancillary data with one payload byte,
// then closes its accepted connection, the listener, and fd itself —
// Transfer takes ownership of fd on entry and always closes it before
// returning, whether or not the handoff succeeded: SCM_RIGHTS is sent
// by value (the kernel dup's it into the receiving process), so this
// process's copy must close once it is no longer needed here. deadline
// bounds how long it waits for the container to connect; exceeding it
// is a Timeout error and the listener is closed regardless.
func (a *Acceptor) Transfer(ctx context.Context, fd int, deadline time.Time) error {
	defer a.Close()
	defer syscall.Close(fd)

	if err := a.ln.SetDeadline(deadline); err != nil {
		return apierr.Wrap(apierr.Internal, fmt.Errorf("setting rendezvous deadline: %w", err))
	}

	conn, err := a.ln.AcceptUnix()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return apierr.Wrap(apierr.Timeout, fmt.Errorf("waiting for container to connect: %w", err))
		}
		return apierr.Wrap(apierr.Handoff, fmt.Errorf("accepting rendezvous connection: %w", err))
	}
	defer conn.Close()

	if err := ctx.Err(); err != nil {
		return apierr.Wrap(apierr.Handoff, err)
	}

	rights := syscall.UnixRights(fd)
	if _, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil); err != nil {
		return apierr.Wrap(apierr.Handoff, fmt.Errorf("writing descriptor over rendezvous socket: %w", err))
	}

	return nil
}

// Close releases the listener and removes the socket path. It is safe to
// call more than once; Transfer always calls it on its own exit paths.
func (a *Acceptor) Close() error {
	err := a.ln.Close()
	os.Remove(a.path)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return apierr.Wrap(apierr.Internal, err)
	}
	return nil
}
