// Package main provides the entry point for the codemux server.
package main

import (
	"fmt"
	"os"

	"github.com/codemux/codemux/cmd/codemux/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
