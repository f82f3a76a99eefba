package bundle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ocifaas/faasd/internal/registry"
)

func TestBuildWritesConfigReferencingSharedRootfs(t *testing.T) {
	dir := t.TempDir()
	d := registry.Deployment{
		Name:       "echo",
		Address:    "100.84.0.2",
		Port:       80,
		RootfsPath: filepath.Join(dir, "rootfs"),
		Command:    []string{"/bin/echo", "hi"},
	}

	bundleDir, err := Build(context.Background(), dir, "container-1", d, filepath.Join(dir, "control.sock"), DefaultLimits)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(bundleDir, "config.json"))
	if err != nil {
		t.Fatalf("reading config.json: %v", err)
	}

	var spec Spec
	if err := json.Unmarshal(b, &spec); err != nil {
		t.Fatalf("parsing config.json: %v", err)
	}

	if spec.Root.Path != d.RootfsPath {
		t.Fatalf("expected root.path %s, got %s", d.RootfsPath, spec.Root.Path)
	}
	if !spec.Root.Readonly {
		t.Fatalf("expected root.readonly true")
	}
	if len(spec.Process.Args) != 2 || spec.Process.Args[0] != "/bin/echo" {
		t.Fatalf("unexpected process args: %+v", spec.Process.Args)
	}
	if !spec.Process.NoNewPrivileges {
		t.Fatalf("expected noNewPrivileges true")
	}

	foundControl := false
	for _, m := range spec.Mounts {
		if m.Destination == "/control.sock" {
			foundControl = true
			if m.Source != filepath.Join(dir, "control.sock") {
				t.Fatalf("control.sock mount source mismatch: %s", m.Source)
			}
		}
	}
	if !foundControl {
		t.Fatalf("expected a /control.sock mount")
	}
}

func TestBuildRejectsEmptyCommand(t *testing.T) {
	dir := t.TempDir()
	d := registry.Deployment{Name: "x", RootfsPath: filepath.Join(dir, "rootfs")}
	if _, err := Build(context.Background(), dir, "container-2", d, filepath.Join(dir, "control.sock"), DefaultLimits); err == nil {
		t.Fatalf("expected Build to reject a deployment with no command")
	}
}

func TestRemoveLeavesRootfsUntouched(t *testing.T) {
	dir := t.TempDir()
	rootfs := filepath.Join(dir, "rootfs")
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		t.Fatalf("creating rootfs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rootfs, "marker"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing marker: %v", err)
	}

	d := registry.Deployment{Name: "y", RootfsPath: rootfs, Command: []string{"/bin/true"}}
	bundleDir, err := Build(context.Background(), dir, "container-3", d, filepath.Join(dir, "control.sock"), DefaultLimits)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := Remove(bundleDir); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(bundleDir); !os.IsNotExist(err) {
		t.Fatalf("expected bundle dir to be gone")
	}
	if _, err := os.Stat(filepath.Join(rootfs, "marker")); err != nil {
		t.Fatalf("expected rootfs marker to survive Remove: %v", err)
	}
}
