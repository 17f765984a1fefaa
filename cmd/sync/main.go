// Package main starts the map synchronization service and handles
// termination.
//
// The process is a transport adapter around the entity store: WebSocket
// editors and viewers on one side, the MQTT localization feed on the other.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	synccmd "github.com/maplocus/wisn/internal/cmd/sync"
)

func main() {
	cfg, err := synccmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[SYNC] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := synccmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
