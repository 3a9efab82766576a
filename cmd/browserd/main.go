// Package main provides browserd, a supervisor that runs a Playwright
// browser in a child worker process and drives it one action at a time.
package main

import (
	"fmt"
	"log"
	"os"
)

const version = "0.1.0" // Version of browserd

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(args)
	case "step":
		err = runStep(args)
	case "init-config":
		err = runInitConfig(args)
	case "worker":
		// Spawned by the supervisor; the exit status is the protocol.
		os.Exit(runWorker(args))
	case "version", "-version", "--version":
		fmt.Printf("browserd v%s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "browserd: unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("browserd: %v", err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "browserd - supervised browser worker\n\n")
	fmt.Fprintf(os.Stderr, "Usage: browserd <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve         Start the worker and serve the HTTP API\n")
	fmt.Fprintf(os.Stderr, "  step          Start the worker, apply actions, print observations\n")
	fmt.Fprintf(os.Stderr, "  init-config   Write the default configuration file\n")
	fmt.Fprintf(os.Stderr, "  version       Show version and exit\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  browserd serve -addr 127.0.0.1:8931\n")
	fmt.Fprintf(os.Stderr, "  browserd step \"goto('https://example.com')\" \"click('12')\"\n")
	fmt.Fprintf(os.Stderr, "  browserd init-config -config ./browserd.yaml\n")
	fmt.Fprintf(os.Stderr, "\nRun 'browserd <command> -h' for command options.\n")
}
