// Dispenserd relays a serial-attached dispenser to web clients.
//
// It owns the serial line to the device, keeps the configured dispense
// interval and the per-day opening counters in SQLite, and pushes every
// change to WebSocket subscribers. MQTT mirroring, InfluxDB telemetry and
// a daily opening report are optional.
//
// See 'dispenserd --help' for available commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
