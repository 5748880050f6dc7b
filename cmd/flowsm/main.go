// Command flowsm replays flow scenarios, inspects node checkpoints and runs
// an in-process ping-pong demo.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/flowsm/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "flowsm:", err)
		stop()
		os.Exit(cli.GetExitCode(err))
	}
}
