// Package runcutil wraps the runc binary the way the teacher's
// applecontainer package wraps the "container" CLI: every operation is
// exec.CommandContext against an external runtime binary, with output
// captured and parsed (JSON where runc emits it, text otherwise).
package runcutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"

	"github.com/ocifaas/faasd/internal/apierr"
)

// Runner is the interface internal/supervisor depends on, so tests can
// substitute a fake runc without invoking the real binary — the same
// seam the teacher draws around ContainerOps in box.go.
type Runner interface {
	Run(ctx context.Context, bundleDir, id string) (*Process, error)
	State(ctx context.Context, id string) (State, error)
	Kill(ctx context.Context, id string, sig string) error
	Delete(ctx context.Context, id string, force bool) error
}

// Process is a handle on a launched runc "run" invocation.
type Process struct {
	cmd    *exec.Cmd
	Stdout *bytes.Buffer
	Stderr *bytes.Buffer
	done   chan error
}

// NewFakeProcess builds a Process whose Wait immediately resolves with
// exitErr, for Runner fakes in other packages' tests that need to
// return a real Process value (its fields are otherwise unexported).
func NewFakeProcess(stdout, stderr string, exitErr error) *Process {
	done := make(chan error, 1)
	done <- exitErr
	return &Process{
		Stdout: bytes.NewBufferString(stdout),
		Stderr: bytes.NewBufferString(stderr),
		done:   done,
	}
}

// NewBackgroundFakeProcess runs fn in its own goroutine and returns a
// Process whose Wait blocks until fn returns, for Runner fakes that need
// to simulate a container that connects to the rendezvous socket
// asynchronously, the way a real runc run invocation would.
func NewBackgroundFakeProcess(fn func() error) *Process {
	done := make(chan error, 1)
	p := &Process{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}, done: done}
	go func() { done <- fn() }()
	return p
}

// Wait blocks until the underlying runc process exits, or ctx is
// canceled first.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State is the subset of `runc state`'s JSON output the supervisor
// needs to decide whether a container is still alive.
type State struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Pid    int    `json:"pid"`
}

// Exec is the real Runner, invoking the runc binary at path.
type Exec struct {
	Path string
}

// New returns an Exec bound to path, defaulting to "runc" on the PATH
// when path is empty.
func New(path string) *Exec {
	if path == "" {
		path = "runc"
	}
	return &Exec{Path: path}
}

// Run starts "runc run --bundle <bundleDir> <id>" in the background and
// returns a handle the caller can Wait on. runc's "run" subcommand
// combines create+start+wait into a single foreground process, which
// keeps the supervisor from having to reconcile two separate runc PIDs.
func (e *Exec) Run(ctx context.Context, bundleDir, id string) (*Process, error) {
	cmd := exec.CommandContext(ctx, e.Path, "run", "--bundle", bundleDir, id)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	slog.InfoContext(ctx, "runcutil.Run", "cmd", strings.Join(cmd.Args, " "))

	if err := cmd.Start(); err != nil {
		return nil, apierr.Wrap(apierr.RuntimeLaunch, fmt.Errorf("starting runc run: %w", err))
	}

	p := &Process{cmd: cmd, Stdout: &stdout, Stderr: &stderr, done: make(chan error, 1)}
	go func() { p.done <- cmd.Wait() }()
	return p, nil
}

// State runs "runc state <id>" and parses its JSON output.
func (e *Exec) State(ctx context.Context, id string) (State, error) {
	cmd := exec.CommandContext(ctx, e.Path, "state", id)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return State{}, apierr.Wrap(apierr.RuntimeLaunch, fmt.Errorf("runc state %s: %w: %s", id, err, strings.TrimSpace(string(output))))
	}
	var st State
	if err := json.Unmarshal(output, &st); err != nil {
		return State{}, apierr.Wrap(apierr.Internal, fmt.Errorf("parsing runc state output: %w", err))
	}
	return st, nil
}

// Kill runs "runc kill <id> <sig>". A missing container is not an error:
// callers call Kill defensively during cleanup.
func (e *Exec) Kill(ctx context.Context, id string, sig string) error {
	cmd := exec.CommandContext(ctx, e.Path, "kill", id, sig)
	output, err := cmd.CombinedOutput()
	if err != nil && !isNotFound(output) {
		return apierr.Wrap(apierr.RuntimeLaunch, fmt.Errorf("runc kill %s: %w: %s", id, err, strings.TrimSpace(string(output))))
	}
	return nil
}

// Delete runs "runc delete [--force] <id>". It is always idempotent: a
// not-found container is treated as already deleted, matching the
// supervisor's "Delete always called, never fatal" cleanup invariant.
func (e *Exec) Delete(ctx context.Context, id string, force bool) error {
	args := []string{"delete"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, id)

	cmd := exec.CommandContext(ctx, e.Path, args...)
	output, err := cmd.CombinedOutput()
	if err != nil && !isNotFound(output) {
		return apierr.Wrap(apierr.RuntimeLaunch, fmt.Errorf("runc delete %s: %w: %s", id, err, strings.TrimSpace(string(output))))
	}
	return nil
}

func isNotFound(output []byte) bool {
	return bytes.Contains(output, []byte("does not exist")) || bytes.Contains(output, []byte("not found"))
}

var _ Runner = (*Exec)(nil)
