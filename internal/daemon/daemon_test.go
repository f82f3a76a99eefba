package daemon

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ocifaas/faasd/internal/bundle"
	"github.com/ocifaas/faasd/internal/config"
	"github.com/ocifaas/faasd/internal/listener"
	"github.com/ocifaas/faasd/internal/registry"
	"github.com/ocifaas/faasd/internal/runcutil"
	"github.com/ocifaas/faasd/internal/supervisor"
)

type tracerAdapter struct{ t trace.Tracer }

func (a tracerAdapter) Start(ctx context.Context, name string) (context.Context, trace.Span) {
	return a.t.Start(ctx, name)
}

// noopBinder skips iproute2 entirely so Publish can be exercised against
// loopback addresses in a test sandbox without root.
type noopBinder struct{}

func (noopBinder) Bind(ctx context.Context, addr string, maskBits int) error { return nil }
func (noopBinder) UnbindAll(ctx context.Context) error                       { return nil }

// containerSimRunner simulates runc: it reads the bundle it is asked to
// launch, connects to the rendezvous socket named in config.json,
// accepts the handed-off client descriptor, and writes a canned
// response over it — standing in for the real runc binary, which is not
// available in this environment.
type containerSimRunner struct {
	response string
}

func (r *containerSimRunner) Run(ctx context.Context, bundleDir, id string) (*runcutil.Process, error) {
	b, err := os.ReadFile(filepath.Join(bundleDir, "config.json"))
	if err != nil {
		return nil, err
	}
	var spec bundle.Spec
	if err := json.Unmarshal(b, &spec); err != nil {
		return nil, err
	}
	var sockPath string
	for _, m := range spec.Mounts {
		if m.Destination == "/control.sock" {
			sockPath = m.Source
		}
	}

	return runcutil.NewBackgroundFakeProcess(func() error {
		conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
		if err != nil {
			return err
		}
		defer conn.Close()
		unixConn := conn.(*net.UnixConn)

		buf := make([]byte, 1)
		oob := make([]byte, 64)
		_, oobn, _, _, err := unixConn.ReadMsgUnix(buf, oob)
		if err != nil {
			return err
		}
		scms, err := syscall.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return err
		}
		fds, err := syscall.ParseUnixRights(&scms[0])
		if err != nil {
			return err
		}
		f := os.NewFile(uintptr(fds[0]), "handed-off-client")
		defer f.Close()

		clientConn, err := net.FileConn(f)
		if err != nil {
			return err
		}
		defer clientConn.Close()

		_, err = clientConn.Write([]byte(r.response))
		return err
	}), nil
}

func (r *containerSimRunner) State(ctx context.Context, id string) (runcutil.State, error) {
	return runcutil.State{ID: id, Status: "stopped"}, nil
}

func (r *containerSimRunner) Kill(ctx context.Context, id string, sig string) error { return nil }

func (r *containerSimRunner) Delete(ctx context.Context, id string, force bool) error { return nil }

func buildTestImageTar(t *testing.T, path string, cmd []string) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := []byte("#!/bin/sh\necho hi\n")
	if err := tw.WriteHeader(&tar.Header{Name: "bin/run.sh", Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(content))}); err != nil {
		t.Fatalf("writing tar header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("writing tar content: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar writer: %v", err)
	}
	layer, err := tarball.LayerFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("building layer: %v", err)
	}
	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		t.Fatalf("appending layer: %v", err)
	}
	img, err = mutate.Config(img, v1.Config{Cmd: cmd})
	if err != nil {
		t.Fatalf("setting config: %v", err)
	}
	tag, err := name.NewTag("faasd-test/daemon:latest")
	if err != nil {
		t.Fatalf("building tag: %v", err)
	}
	if err := tarball.WriteToFile(path, tag, img); err != nil {
		t.Fatalf("writing image tarball: %v", err)
	}
}

func newTestDaemon(t *testing.T, runner runcutil.Runner) *Daemon {
	t.Helper()
	stateDir := t.TempDir()
	cfg := &config.Config{
		StateDir:        stateDir,
		AddressPoolCIDR: "127.0.0.0/8",
		ListenPort:      0,
	}
	if _, err := cfg.ResolveStateDir(); err != nil {
		t.Fatalf("ResolveStateDir: %v", err)
	}

	reg, err := registry.Open(stateDir, cfg.AddressPoolCIDR, cfg.ListenPort)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}

	sv := supervisor.New(supervisor.Options{
		BundlesDir:        filepath.Join(stateDir, "bundles"),
		RendezvousTimeout: 2 * time.Second,
		RunTimeout:        2 * time.Second,
		Limits:            bundle.DefaultLimits,
		Runner:            runner,
		Tracer:            tracerAdapter{t: noop.NewTracerProvider().Tracer("test")},
	})

	d := &Daemon{
		cfg:        cfg,
		stateDir:   stateDir,
		reg:        reg,
		supervisor: sv,
		binder:     noopBinder{},
	}
	d.listeners = listener.New(context.Background(), d.handleConn)
	return d
}

func TestDaemonPublishServesRealRequestEndToEnd(t *testing.T) {
	d := newTestDaemon(t, &containerSimRunner{response: "hello from container"})

	imgPath := filepath.Join(t.TempDir(), "image.tar")
	buildTestImageTar(t, imgPath, []string{"/bin/run.sh"})
	f, err := os.Open(imgPath)
	if err != nil {
		t.Fatalf("opening image tar: %v", err)
	}
	defer f.Close()

	dep, err := d.Publish(context.Background(), "echo", f)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if dep.Address == "" {
		t.Fatalf("expected an allocated address")
	}

	addr := d.listeners.Addr(dep.Name)
	if addr == nil {
		t.Fatalf("expected a live listener for %q", dep.Name)
	}

	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dialing deployment: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := io.ReadAll(conn)
	if err != nil && len(got) == 0 {
		t.Fatalf("reading response: %v", err)
	}
	if !strings.Contains(string(got), "hello from container") {
		t.Fatalf("expected response to contain the canned text, got %q", string(got))
	}
}

func TestDaemonPublishRejectsDuplicateName(t *testing.T) {
	d := newTestDaemon(t, &containerSimRunner{response: "x"})

	imgPath := filepath.Join(t.TempDir(), "image.tar")
	buildTestImageTar(t, imgPath, []string{"/bin/run.sh"})

	f1, _ := os.Open(imgPath)
	defer f1.Close()
	if _, err := d.Publish(context.Background(), "dup", f1); err != nil {
		t.Fatalf("first Publish: %v", err)
	}

	f2, _ := os.Open(imgPath)
	defer f2.Close()
	if _, err := d.Publish(context.Background(), "dup", f2); err == nil {
		t.Fatalf("expected second Publish with the same name to fail")
	}
}

func TestDaemonListAndLookup(t *testing.T) {
	d := newTestDaemon(t, &containerSimRunner{response: "x"})

	imgPath := filepath.Join(t.TempDir(), "image.tar")
	buildTestImageTar(t, imgPath, []string{"/bin/run.sh"})
	f, _ := os.Open(imgPath)
	defer f.Close()

	if _, err := d.Publish(context.Background(), "listed", f); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deployments := d.List()
	if len(deployments) != 1 || deployments[0].Name != "listed" {
		t.Fatalf("unexpected List() result: %+v", deployments)
	}

	if _, err := d.Lookup("listed"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, err := d.Lookup("missing"); err == nil {
		t.Fatalf("expected Lookup to fail for an unknown deployment")
	}
}
