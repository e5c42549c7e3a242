// Package main is the entry point for the relay load driver. It provides
// subcommands for different scenarios:
//
//   - saturate: open N registered connections and hold them
//   - chat:     pairs of users exchange live messages and typing notices
//   - offline:  messages sent to offline users are replayed when they register
//
// Usage:
//
//	relayload <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "saturate":
		err = runSaturate(os.Args[2:])
	case "chat":
		err = runChat(os.Args[2:])
	case "offline":
		err = runOffline(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "relayload %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: relayload <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation: open N registered connections and hold them")
	fmt.Println("  chat        Live relay: user pairs exchange messages, reports delivery latency")
	fmt.Println("  offline     Offline queue: message absent users, then check replay on register")
	fmt.Println()
	fmt.Println("Run 'relayload <command> -h' for command-specific options.")
}
