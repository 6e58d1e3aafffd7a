// Package main is the entry point for the benteng plugin host.
package main

import (
	"os"

	"github.com/harun/benteng/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
