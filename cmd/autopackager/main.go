// cmd/autopackager/main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/windowsadmins/autopackager/pkg/utils"
)

func main() {
	utils.PatchWindowsArgs()
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.code == exitFailures {
			return exitFailures
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		return ee.code
	}
	// Usage errors from cobra.
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitFatal
}
