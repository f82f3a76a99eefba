package main

import (
	"fmt"

	"github.com/ocifaas/faasd/internal/version"
)

// VersionCmd prints the build report internal/version.Info.String()
// renders, adapted from cmd/sand's VersionCmd (which built the same
// report inline rather than through a method on Info).
type VersionCmd struct{}

func (c *VersionCmd) Run(cctx *Context) error {
	fmt.Print(version.Get().String())
	return nil
}
