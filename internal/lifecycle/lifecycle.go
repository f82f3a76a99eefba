// Package lifecycle handles daemon startup privilege checks, plumbing
// deployment addresses onto a host interface via iproute2, and graceful
// shutdown, grounded on sand/mux.go's waitForShutdown/acquireLock
// signal-handling shape.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ocifaas/faasd/internal/apierr"
)

// RequireRoot fails fast if the process is not running with euid 0,
// since binding host addresses and invoking runc both need it.
func RequireRoot() error {
	if os.Geteuid() != 0 {
		return apierr.New(apierr.Internal, "faasd must run as root")
	}
	return nil
}

// AddressBinder plumbs and later withdraws deployment addresses on a
// single host interface, tagging everything it adds with a label so
// shutdown only ever removes addresses this daemon instance owns.
type AddressBinder struct {
	Iface string
	Label string
}

// Bind runs `ip addr add <addr>/<mask> dev <iface> label <iface>:<label>`.
// iproute2 label strings are historically capped at IFNAMSIZ-1 on some
// kernels, so Label should stay short (faasd's default "faasd0" fits).
func (b *AddressBinder) Bind(ctx context.Context, addr string, maskBits int) error {
	label := fmt.Sprintf("%s:%s", b.Iface, b.Label)
	cmd := exec.CommandContext(ctx, "ip", "addr", "add",
		fmt.Sprintf("%s/%d", addr, maskBits), "dev", b.Iface, "label", label)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	slog.InfoContext(ctx, "lifecycle.Bind", "cmd", strings.Join(cmd.Args, " "))
	if err := cmd.Run(); err != nil {
		return apierr.Wrap(apierr.Bind, fmt.Errorf("ip addr add %s: %w: %s", addr, err, strings.TrimSpace(stderr.String())))
	}
	return nil
}

type ipAddrShowEntry struct {
	AddrInfo []struct {
		Local string `json:"local"`
		Label string `json:"label"`
	} `json:"addr_info"`
}

// UnbindAll removes every address on b.Iface carrying this binder's
// label, leaving any address the daemon did not add untouched.
func (b *AddressBinder) UnbindAll(ctx context.Context) error {
	label := fmt.Sprintf("%s:%s", b.Iface, b.Label)

	cmd := exec.CommandContext(ctx, "ip", "-j", "addr", "show", "dev", b.Iface)
	output, err := cmd.Output()
	if err != nil {
		return apierr.Wrap(apierr.Internal, fmt.Errorf("ip -j addr show %s: %w", b.Iface, err))
	}

	var entries []ipAddrShowEntry
	if err := json.Unmarshal(output, &entries); err != nil {
		return apierr.Wrap(apierr.Internal, fmt.Errorf("parsing ip addr show output: %w", err))
	}

	var firstErr error
	for _, e := range entries {
		for _, ai := range e.AddrInfo {
			if ai.Label != label {
				continue
			}
			delCmd := exec.CommandContext(ctx, "ip", "addr", "del", ai.Local, "dev", b.Iface)
			if err := delCmd.Run(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("ip addr del %s: %w", ai.Local, err)
			}
		}
	}
	if firstErr != nil {
		return apierr.Wrap(apierr.Internal, firstErr)
	}
	return nil
}

// NotifyShutdown returns a context canceled on SIGINT/SIGTERM, mirroring
// sand/mux.go's waitForShutdown signal plumbing.
func NotifyShutdown(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}
