// Command exthost runs a native extension out of process.
//
//	exthost [serve] [flags] [extension.wasm]   serve calls until idle or shut down
//	exthost console [-url ws://...] [-thread N] call a running host interactively
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && (args[0] == "serve" || args[0] == "console") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "console":
		if err := runConsole(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		os.Exit(serve(context.Background(), args, os.Stdout))
	}
}
