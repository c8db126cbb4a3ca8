package main

import (
	"fmt"
	"os"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitGeneralError    = 1
	ExitInvalidArgs     = 2
	ExitSourceError     = 3
	ExitStorageError    = 4
	ExitInvalidProgress = 5
	ExitInterrupted     = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "fetch":
		return runFetch(cmdArgs)
	case "serve":
		return runServe(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: siphon <command> [options]

Commands:
  fetch     Stream a remote file into an artifact and write it to a local file
  serve     Run the download service over HTTP

Configuration is read from -config, then SIPHON_* environment variables
(and .env), then flags.

Run 'siphon <command> -h' for command-specific help.`)
}
