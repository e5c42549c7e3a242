package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/courier/relay/internal/client"
	"github.com/courier/relay/internal/loadstats"
	"github.com/courier/relay/internal/protocol"
)

// runSaturate opens the requested number of connections, registers each one
// and holds them open while reporting how many are still alive. Every
// registration triggers a presence broadcast to all connections, so this
// also measures broadcast fan-out.
func runSaturate(args []string) error {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8081/ws", "WebSocket server URL")
	connections := fs.Int("connections", 500, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8081/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	if *connections <= 0 {
		return fmt.Errorf("connections must be positive")
	}

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Ramp-up phase ---")
	start := time.Now()
	clients := connectUsers(ctx, *url, "sat", *connections, *rampUp, *concurrency, collector)
	defer closeAll(clients)

	// Presence envelopes are only counted here.
	alive := 0
	for _, c := range clients {
		if c == nil {
			continue
		}
		alive++
		c.On(protocol.TypeOnlineUsers, func(client.Envelope) {})
	}
	fmt.Printf("Ramp-up complete: %d/%d connections in %s (%d errors)\n",
		alive, *connections, time.Since(start).Round(time.Millisecond), collector.Summary().Errors)

	fmt.Println("\n--- Hold phase ---")
	holdTimer := time.NewTimer(*hold)
	defer holdTimer.Stop()
	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

holdLoop:
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			break holdLoop
		case <-holdTimer.C:
			fmt.Println("\nHold period complete.")
			break holdLoop
		case <-statusTicker.C:
			fmt.Printf("  [hold] alive: %d/%d\n", countAlive(clients), alive)
		}
	}

	scraper.Stop()
	collector.Report(os.Stdout)
	return nil
}

func countAlive(clients []*client.Client) int {
	n := 0
	for _, c := range clients {
		if c == nil {
			continue
		}
		select {
		case <-c.Done():
		default:
			n++
		}
	}
	return n
}
