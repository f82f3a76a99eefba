// Package bundle writes the runc OCI bundle (a config.json plus a
// reference to a shared rootfs) for one container launch. No
// opencontainers/runtime-spec Go module is present anywhere in the
// retrieved pack (only opencontainers/image-spec, which models images,
// not the runtime config document), so the struct tree below is a
// trimmed, hand-rolled analogue of runc's default bundle, marshaled with
// encoding/json — see DESIGN.md for why this corner is stdlib-only.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ocifaas/faasd/internal/apierr"
	"github.com/ocifaas/faasd/internal/registry"
)

// Limits tunes the resource and runtime knobs Build applies to every
// container. internal/config has no fields for them; the daemon passes
// DefaultLimits.
type Limits struct {
	MemoryLimitBytes int64
	CPUQuotaPercent  int64 // 100 == one full core
}

// DefaultLimits matches SPEC_FULL.md §4.3: 512 MiB memory, ~1 core.
var DefaultLimits = Limits{MemoryLimitBytes: 512 * 1024 * 1024, CPUQuotaPercent: 100}

// Spec is a trimmed OCI runtime configuration document: just enough of
// the runtime-spec shape for runc to create a container from it.
type Spec struct {
	OCIVersion string  `json:"ociVersion"`
	Process    Process `json:"process"`
	Root       Root    `json:"root"`
	Hostname   string  `json:"hostname,omitempty"`
	Mounts     []Mount `json:"mounts"`
	Linux      Linux   `json:"linux"`
}

type Process struct {
	Terminal        bool     `json:"terminal"`
	Cwd             string   `json:"cwd"`
	Env             []string `json:"env"`
	Args            []string `json:"args"`
	NoNewPrivileges bool     `json:"noNewPrivileges"`
}

type Root struct {
	Path     string `json:"path"`
	Readonly bool   `json:"readonly"`
}

type Mount struct {
	Destination string   `json:"destination"`
	Type        string   `json:"type,omitempty"`
	Source      string   `json:"source,omitempty"`
	Options     []string `json:"options,omitempty"`
}

type Linux struct {
	Namespaces    []LinuxNamespace `json:"namespaces"`
	Resources     LinuxResources   `json:"resources"`
	MaskedPaths   []string         `json:"maskedPaths"`
	ReadonlyPaths []string         `json:"readonlyPaths"`
}

type LinuxNamespace struct {
	Type string `json:"type"`
}

type LinuxResources struct {
	Memory *LinuxMemory `json:"memory,omitempty"`
	CPU    *LinuxCPU    `json:"cpu,omitempty"`
}

type LinuxMemory struct {
	Limit int64 `json:"limit"`
}

type LinuxCPU struct {
	Quota  int64 `json:"quota"`
	Period int64 `json:"period"`
}

// maskedPaths and readonlyPaths mirror runc's conventional default
// bundle hardening set.
var maskedPaths = []string{
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/sys/firmware",
	"/proc/scsi",
}

var readonlyPaths = []string{
	"/proc/asound",
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

// Build writes bundles/<containerID>/config.json for the given
// deployment and rendezvous socket path, returning the bundle directory.
// The rootfs is referenced, never copied: root.path points directly at
// d.RootfsPath and root.readonly is true, so deleting the bundle
// directory afterward never touches the shared rootfs.
func Build(ctx context.Context, bundlesDir, containerID string, d registry.Deployment, rendezvousPath string, limits Limits) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apierr.Wrap(apierr.Internal, err)
	}
	if len(d.Command) == 0 {
		return "", apierr.New(apierr.InvalidInput, "deployment has no command to launch")
	}

	bundleDir := filepath.Join(bundlesDir, containerID)
	if err := os.MkdirAll(bundleDir, 0o750); err != nil {
		return "", apierr.Wrap(apierr.Internal, fmt.Errorf("creating bundle dir: %w", err))
	}

	spec := Spec{
		OCIVersion: "1.1.0",
		Process: Process{
			Terminal:        false,
			Cwd:             "/",
			Env:             []string{"PATH=/usr/bin:/bin"},
			Args:            d.Command,
			NoNewPrivileges: true,
		},
		Root: Root{Path: d.RootfsPath, Readonly: true},
		Mounts: []Mount{
			{Destination: "/proc", Type: "proc", Source: "proc"},
			{Destination: "/dev/pts", Type: "devpts", Source: "devpts", Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}},
			{Destination: "/dev/shm", Type: "tmpfs", Source: "shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
			{Destination: "/dev/mqueue", Type: "mqueue", Source: "mqueue", Options: []string{"nosuid", "noexec", "nodev"}},
			{Destination: "/sys", Type: "sysfs", Source: "sysfs", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
			{Destination: "/sys/fs/cgroup", Type: "cgroup", Source: "cgroup", Options: []string{"nosuid", "noexec", "nodev", "relatime", "ro"}},
			{Destination: "/tmp", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "mode=1777"}},
			{Destination: "/control.sock", Type: "bind", Source: rendezvousPath, Options: []string{"bind", "ro"}},
		},
		Linux: Linux{
			Namespaces: []LinuxNamespace{
				{Type: "pid"},
				{Type: "network"},
				{Type: "ipc"},
				{Type: "uts"},
				{Type: "mount"},
			},
			Resources: LinuxResources{
				Memory: &LinuxMemory{Limit: limits.MemoryLimitBytes},
				CPU:    &LinuxCPU{Quota: limits.CPUQuotaPercent * 1000, Period: 100000},
			},
			MaskedPaths:   maskedPaths,
			ReadonlyPaths: readonlyPaths,
		},
	}

	b, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		os.RemoveAll(bundleDir)
		return "", apierr.Wrap(apierr.Internal, fmt.Errorf("encoding bundle config: %w", err))
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "config.json"), b, 0o640); err != nil {
		os.RemoveAll(bundleDir)
		return "", apierr.Wrap(apierr.Internal, fmt.Errorf("writing bundle config: %w", err))
	}

	return bundleDir, nil
}

// Remove deletes a bundle directory; the shared rootfs it referenced is
// untouched since Build never copies it.
func Remove(bundleDir string) error {
	if err := os.RemoveAll(bundleDir); err != nil {
		return apierr.Wrap(apierr.Internal, fmt.Errorf("removing bundle dir %s: %w", bundleDir, err))
	}
	return nil
}
