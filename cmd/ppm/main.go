// ============================================================================
// ppm - Worker Pool Process Manager
// ============================================================================
//
// File: cmd/ppm/main.go
// Purpose: Application entry point and CLI initialization
//
// Version Injection:
//   Variables injected at build time via -ldflags:
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
//
// Usage:
//   ./ppm --help            # Show help
//   ./ppm run               # Start a pool, reading stdin as input
//   ./ppm push --data "x"   # Push one value into a short-lived pool
//   ./ppm status            # Show the loaded configuration
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/ppm/internal/cli"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
