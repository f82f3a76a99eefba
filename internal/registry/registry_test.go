package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func mustRootfs(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(p, 0o750); err != nil {
		t.Fatalf("creating fake rootfs: %v", err)
	}
	return p
}

func TestAllocateAndPersist(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, "100.84.0.0/30", 80)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rootfs := mustRootfs(t, dir, "echo-rootfs")
	d, err := r.Allocate("echo", rootfs, 80, []string{"/bin/echo"})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if d.Address == "" {
		t.Fatalf("expected a non-empty address")
	}

	r2, err := Open(dir, "100.84.0.0/30", 80)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	got, err := r2.Lookup("echo")
	if err != nil {
		t.Fatalf("Lookup after reopen: %v", err)
	}
	if got.Address != d.Address || got.RootfsPath != rootfs {
		t.Fatalf("reloaded record mismatch: got %+v, want address=%s rootfs=%s", got, d.Address, rootfs)
	}
}

func TestAllocateDuplicateNameFails(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, "100.84.0.0/29", 80)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rootfs := mustRootfs(t, dir, "a-rootfs")
	if _, err := r.Allocate("a", rootfs, 80, nil); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	if _, err := r.Allocate("a", rootfs, 80, nil); err == nil {
		t.Fatalf("expected AlreadyExists error on duplicate name")
	}
}

func TestPoolExhaustion(t *testing.T) {
	dir := t.TempDir()
	// /30 has exactly two usable host addresses once the network and
	// broadcast addresses are skipped.
	r, err := Open(dir, "100.84.0.0/30", 80)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 2; i++ {
		rootfs := mustRootfs(t, dir, "rootfs")
		name := filepath.Base(rootfs) + string(rune('a'+i))
		if _, err := r.Allocate(name, rootfs, 80, nil); err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
	}
	if _, err := r.Allocate("overflow", mustRootfs(t, dir, "overflow-rootfs"), 80, nil); err == nil {
		t.Fatalf("expected PoolExhausted error once the pool is full")
	}
}

func TestOpenRejectsMissingRootfs(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, "100.84.0.0/29", 80)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rootfs := mustRootfs(t, dir, "gone-rootfs")
	if _, err := r.Allocate("gone", rootfs, 80, nil); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := os.RemoveAll(rootfs); err != nil {
		t.Fatalf("removing rootfs: %v", err)
	}

	if _, err := Open(dir, "100.84.0.0/29", 80); err == nil {
		t.Fatalf("expected Open to reject a registry entry whose rootfs is missing")
	}
}

func TestLookupNotFound(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, "100.84.0.0/29", 80)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := r.Lookup("does-not-exist"); err == nil {
		t.Fatalf("expected NotFound error")
	}
}
