// Command conductor coordinates autonomous coding agents: it decomposes a
// request into dependency-ordered steps, delegates each step to a
// specialized agent loop, and records the session.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
