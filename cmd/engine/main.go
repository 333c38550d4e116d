package main

import "github.com/driftpool/clamm-engine/internal/cli"

// main is the entry point for the position engine.
func main() {
	cli.Execute()
}
