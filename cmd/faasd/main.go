// Command faasd runs the single-node FaaS control plane: a daemon that
// extracts published container images, allocates each one a host
// address, and supervises one runc container per accepted connection.
//
// Flag layout and the kong.Configuration(kongyaml.Loader, ...) config
// file fallback mirror cmd/sand/main.go's CLI struct and its
// kong.Configuration(kong.JSON, ...) resolver (teacher), adapted from a
// per-user MacOS app-support directory to a root-owned /var/lib/faasd
// state tree, and from apple container to runc.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/jotaen/kong-completion"

	"github.com/ocifaas/faasd/internal/config"
)

const description = `faasd: a single-node FaaS control plane.

Publishes container images as always-listening deployments, each one
backed by a fresh runc container per accepted connection.`

// CLI mirrors internal/config.Config field-for-field so the same flags
// can be set on the command line or in a YAML config file resolved by
// kong-yaml, the way cmd/sand/main.go resolves .sand.json. LogMaxSizeMB
// and LogMaxBackups are CLI-only: they feed initSlog, not Config.
type CLI struct {
	StateDir          string `help:"root directory for images/, bundles/, and registry.yaml"`
	AddressPoolCIDR   string `default:"100.84.0.0/24" help:"host-local address pool to allocate deployment addresses from"`
	ListenPort        int    `default:"80" help:"port each deployment listens on"`
	ManagementPort    int    `default:"8080" help:"port the control API listens on"`
	Iface             string `default:"lo" help:"host network interface to plumb deployment addresses onto"`
	AddressLabel      string `default:"faasd0" help:"label tag applied to addresses this daemon adds"`
	RuncPath          string `default:"runc" help:"path to the runc binary"`
	RendezvousTimeout string `default:"5s" help:"deadline for the container to connect to its rendezvous socket"`
	RunTimeout        string `default:"30s" help:"deadline to wait for runc to exit before force-killing"`
	ShutdownDrain     string `default:"10s" help:"how long graceful shutdown waits for in-flight requests"`
	LogFile           string `help:"path to the daemon's log file (empty logs to stderr)"`
	LogLevel          string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level"`
	LogMaxSizeMB      int    `default:"100" help:"rotate the log file once it reaches this size, in megabytes"`
	LogMaxBackups     int    `default:"5" help:"number of rotated log files to retain"`

	Serve      ServeCmd           `cmd:"" help:"run the faasd daemon in the foreground"`
	Version    VersionCmd         `cmd:"" help:"print version information about this command"`
	Completion kongcompletion.Cmd `cmd:"" help:"output shell completion code for bash, fish, or zsh"`
}

// toConfig copies the flat CLI flags into an internal/config.Config,
// the struct every other package actually depends on.
func (c *CLI) toConfig() *config.Config {
	return &config.Config{
		StateDir:          c.StateDir,
		AddressPoolCIDR:   c.AddressPoolCIDR,
		ListenPort:        c.ListenPort,
		ManagementPort:    c.ManagementPort,
		Iface:             c.Iface,
		AddressLabel:      c.AddressLabel,
		RuncPath:          c.RuncPath,
		RendezvousTimeout: c.RendezvousTimeout,
		RunTimeout:        c.RunTimeout,
		ShutdownDrain:     c.ShutdownDrain,
		LogFile:           c.LogFile,
		LogLevel:          c.LogLevel,
	}
}

func main() {
	var cli CLI

	parser := kong.Must(&cli,
		kong.Description(description),
		kong.Configuration(kongyaml.Loader, "/etc/faasd/config.yaml", "~/.faasd.yaml"),
		kong.UsageOnError(),
	)

	kongcompletion.Register(parser)

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := ctx.Run(&Context{CLI: &cli}); err != nil {
		fmt.Fprintf(os.Stderr, "faasd: %v\n", err)
		os.Exit(1)
	}
}

// Context is threaded into every command's Run method, the same role
// *Context plays in cmd/sand.
type Context struct {
	CLI *CLI
}
