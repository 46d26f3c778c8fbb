// Command fabric runs a fabric node and drives the control plane.
//
//	fabric start --node-name n1 --broker-kind amqp --broker-url amqp://localhost:5672/
//	fabric subscriptions upload defs.json --server http://n1:8080 --wait
//	fabric subscriptions stop tick
//
// Every flag can also be set through a FABRIC_ environment variable, e.g.
// FABRIC_NODE_NAME=n1, or a config file passed with --config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fabric:", err)
		stop()
		os.Exit(1)
	}
}
