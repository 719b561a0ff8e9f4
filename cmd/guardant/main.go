// Command guardant runs the control plane: worker registry, task
// dispatcher, result aggregator, audit trail, and the HTTP API.
package main

import (
	"fmt"
	"log"
	"os"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	log.Println("Control plane stopped")
}
