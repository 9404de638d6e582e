// Command kernel is the local CLI front end for the wasmkernel runtime:
// it bootstraps an instance directly against an on-disk Store and plugin
// directory (there is no separate long-running daemon to dial into —
// spec's own Non-goals rule out a network transport) and exposes the
// control-plane operations of spec §6 as subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/hpeXt/wasmkernel/internal/kernelerr"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kernel:", err)
		os.Exit(kernelerr.KindOf(err).ExitCode())
	}
}
