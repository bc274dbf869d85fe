// File: cmd/verdict/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/verdictlabs/verdict-cli/cmd"
	"github.com/verdictlabs/verdict-cli/internal/observability"
)

const panicLogFile = "verdict-panic.log"

// Function variables for dependency injection in tests.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
)

// main is the entry point of the application.
func main() {
	// Last-resort handler so a crash always leaves a stack trace behind.
	defer handlePanic()

	// Set up a context that listens for interrupt signals (SIGINT, SIGTERM)
	// for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			// Graceful shutdown initiated by the user is not a failure.
			osExit(0)
			return
		}
		osExit(1)
	}
}

// handlePanic writes a crash report to disk before exiting, so the stack
// trace survives even when stderr is lost.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}

	// Flush any buffered log output first.
	observability.Sync()

	report := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(report), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", report)
		osExit(1)
		return
	}

	fmt.Fprintf(os.Stderr, "\nCrash detected. Details logged to %s\n", panicLogFile)
	osExit(1)
}
