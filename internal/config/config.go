// Package config defines faasd's daemon configuration, loaded from CLI
// flags with a YAML file fallback via kong-yaml, mirroring the teacher
// CLI's kong.Configuration(...) resolver pattern.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
)

// Config holds every tunable named in SPEC_FULL.md §9 (AMBIENT) plus the
// timeouts and pool/port conventions spec.md's Open Questions flag as
// implementer-exposed configuration.
type Config struct {
	StateDir          string `yaml:"stateDir" help:"root directory for images/, bundles/, and registry.yaml" default:""`
	AddressPoolCIDR   string `yaml:"addressPoolCIDR" help:"host-local address pool to allocate deployment addresses from" default:"100.84.0.0/24"`
	ListenPort        int    `yaml:"listenPort" help:"port each deployment listens on" default:"80"`
	ManagementPort    int    `yaml:"managementPort" help:"port the control API listens on" default:"8080"`
	Iface             string `yaml:"iface" help:"host network interface to plumb deployment addresses onto" default:"lo"`
	AddressLabel      string `yaml:"addressLabel" help:"label tag applied to addresses this daemon adds, so cleanup can discriminate its own work" default:"faasd0"`
	RuncPath          string `yaml:"runcPath" help:"path to the runc binary" default:"runc"`
	RendezvousTimeout string `yaml:"rendezvousTimeout" help:"deadline for the container to connect to its rendezvous socket" default:"5s"`
	RunTimeout        string `yaml:"runTimeout" help:"deadline to wait for runc to exit before force-killing" default:"30s"`
	ShutdownDrain     string `yaml:"shutdownDrain" help:"how long graceful shutdown waits for in-flight requests" default:"10s"`
	LogFile           string `yaml:"logFile" help:"path to the daemon's log file (empty logs to stderr)" default:""`
	LogLevel          string `yaml:"logLevel" help:"debug, info, warn, or error" default:"info"`
}

// DefaultStateDir resolves the on-disk root when StateDir is unset: the
// conventional /var/lib/faasd for root, falling back to a per-user
// directory (mitchellh/go-homedir) when not running privileged — useful
// for local development and tests.
func DefaultStateDir() (string, error) {
	if os.Geteuid() == 0 {
		return "/var/lib/faasd", nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "faasd"), nil
}

// ResolveStateDir returns c.StateDir, or DefaultStateDir() when unset, and
// ensures the directory (and its images/ and bundles/ children) exist.
func (c *Config) ResolveStateDir() (string, error) {
	dir := c.StateDir
	if dir == "" {
		d, err := DefaultStateDir()
		if err != nil {
			return "", err
		}
		dir = d
	}
	for _, sub := range []string{"", "images", "bundles"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return "", fmt.Errorf("creating state dir %s: %w", filepath.Join(dir, sub), err)
		}
	}
	return dir, nil
}
