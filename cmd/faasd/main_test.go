package main

import "testing"

func TestToConfigCopiesEveryField(t *testing.T) {
	cli := CLI{
		StateDir:          "/var/lib/faasd",
		AddressPoolCIDR:   "10.0.0.0/24",
		ListenPort:        80,
		ManagementPort:    9090,
		Iface:             "eth0",
		AddressLabel:      "faasd0",
		RuncPath:          "/usr/bin/runc",
		RendezvousTimeout: "5s",
		RunTimeout:        "30s",
		ShutdownDrain:     "10s",
		LogFile:           "/var/log/faasd.log",
		LogLevel:          "debug",
	}

	cfg := cli.toConfig()

	if cfg.StateDir != cli.StateDir ||
		cfg.AddressPoolCIDR != cli.AddressPoolCIDR ||
		cfg.ListenPort != cli.ListenPort ||
		cfg.ManagementPort != cli.ManagementPort ||
		cfg.Iface != cli.Iface ||
		cfg.AddressLabel != cli.AddressLabel ||
		cfg.RuncPath != cli.RuncPath ||
		cfg.RendezvousTimeout != cli.RendezvousTimeout ||
		cfg.RunTimeout != cli.RunTimeout ||
		cfg.ShutdownDrain != cli.ShutdownDrain ||
		cfg.LogFile != cli.LogFile ||
		cfg.LogLevel != cli.LogLevel {
		t.Fatalf("toConfig dropped a field: %+v", cfg)
	}
}
