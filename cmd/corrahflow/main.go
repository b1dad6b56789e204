// Package main is the entry point for the corrahflow streaming relay.
package main

import (
	"os"

	"github.com/Corrah/CorrahFlow/cmd/corrahflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
