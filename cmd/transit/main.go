// Command transit runs either side of the agent link: the collector
// server that agents connect to, or the agent client that keeps a
// session to it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
  _                        _ _
 | |_ _ __ __ _ _ __  ___(_) |_
 | __| '__/ _' | '_ \/ __| | __|
 | |_| | | (_| | | | \__ \ | |_
  \__|_|  \__,_|_| |_|___/_|\__|

`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
