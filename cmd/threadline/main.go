// Package main is the threadline entry point: one binary bridging chat
// platforms to AI CLI sessions.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "threadline: %v\n", err)
		os.Exit(1)
	}
}
