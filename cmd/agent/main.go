// Package main runs the recorder agent.
package main

import (
	"os"

	"github.com/pagetrail/recorder/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
