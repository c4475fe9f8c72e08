package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	closeLogging()
	if err != nil {
		if !errors.Is(err, errScenarioFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
