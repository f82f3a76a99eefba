package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ocifaas/faasd/internal/daemon"
	"github.com/ocifaas/faasd/internal/lifecycle"
)

// ServeCmd runs the daemon in the foreground until SIGINT/SIGTERM,
// mirroring cmd/sand's DaemonCmd "start" action but without the
// detach-and-background fork: faasd is meant to run under an init
// system (systemd, runit) that owns backgrounding and restarts.
type ServeCmd struct{}

func (c *ServeCmd) Run(cctx *Context) error {
	cctx.CLI.initSlog()

	if err := lifecycle.RequireRoot(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	cfg := cctx.CLI.toConfig()
	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("building daemon: %w", err)
	}

	ctx, cancel := lifecycle.NotifyShutdown(context.Background())
	defer cancel()

	slog.InfoContext(ctx, "faasd starting",
		"stateDir", cfg.StateDir,
		"managementPort", cfg.ManagementPort,
		"listenPort", cfg.ListenPort)

	return d.Run(ctx)
}
