package lifecycle

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestNotifyShutdownCancelsOnSignal(t *testing.T) {
	ctx, cancel := NotifyShutdown(context.Background())
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatalf("context should not be done before a signal arrives")
	case <-time.After(20 * time.Millisecond):
	}

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("sending SIGINT: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("context should be done after SIGINT")
	}
}

func TestRequireRootFailsWhenNotRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("test is only meaningful when not running as root")
	}
	if err := RequireRoot(); err == nil {
		t.Fatalf("expected RequireRoot to fail for a non-root euid")
	}
}
