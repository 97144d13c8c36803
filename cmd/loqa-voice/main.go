// Package main provides the loqa-voice command line tool.
//
// Usage:
//
//	loqa-voice [flags] <command> [args]
//
// Commands:
//
//	say         - Synthesize text into a WAV file
//	styles      - List the configured styles
//	demo-voice  - Write a small synthetic voice bank
package main

import (
	"fmt"
	"os"

	"github.com/loqalabs/loqa-voice/cmd/loqa-voice/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
