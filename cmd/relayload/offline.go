package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/courier/relay/internal/client"
	"github.com/courier/relay/internal/loadstats"
	"github.com/courier/relay/internal/protocol"
)

// runOffline has a set of senders message recipients that are not connected,
// then connects the recipients and checks that every queued message is
// replayed once, in order, with status "queued".
func runOffline(args []string) error {
	fs := flag.NewFlagSet("offline", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8081/ws", "WebSocket server URL")
	users := fs.Int("users", 50, "Number of offline recipients (and as many senders)")
	messages := fs.Int("messages", 10, "Messages each sender queues for its recipient")
	rampUp := fs.Duration("ramp", 2*time.Second, "Ramp-up duration for each connection phase")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	drain := fs.Duration("drain", 5*time.Second, "How long to wait for replays")
	metricsURL := fs.String("metrics-url", "http://localhost:8081/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	if *users <= 0 {
		return fmt.Errorf("users must be positive")
	}

	// A fresh suffix keeps reruns from draining an earlier run's queues.
	run := time.Now().Format("150405")
	senderPrefix, recipientPrefix := "snd"+run, "rcv"+run

	fmt.Printf("Offline test: %d senders x %d messages to %s\n", *users, *messages, *url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Queue messages for offline users ---")
	senders := connectUsers(ctx, *url, senderPrefix, *users, *rampUp, *concurrency, collector)
	defer closeAll(senders)

	for i, c := range senders {
		if c == nil {
			continue
		}
		for n := 0; n < *messages; n++ {
			body := fmt.Sprintf("%d", n)
			if err := c.Message(userName(senderPrefix, i), userName(recipientPrefix, i), body, time.Now().Format(time.RFC3339)); err != nil {
				collector.AddError()
				break
			}
			collector.AddSent()
		}
	}

	// Let the relay finish queueing before the recipients appear.
	time.Sleep(500 * time.Millisecond)

	fmt.Println("\n--- Phase 2: Recipients register ---")
	var (
		mu      sync.Mutex
		samples []string
		bad     int
	)
	recipients := make([]*client.Client, *users)
	for i := range recipients {
		c, err := client.Dial(ctx, *url)
		if err != nil {
			collector.AddError()
			continue
		}
		recipients[i] = c

		next := 0
		c.On(protocol.TypeOnlineUsers, func(client.Envelope) {})
		c.On(protocol.TypeMessage, func(env client.Envelope) {
			if env.Status != protocol.StatusQueued || env.Message != fmt.Sprintf("%d", next) {
				mu.Lock()
				bad++
				if len(samples) < 10 {
					samples = append(samples, fmt.Sprintf("%s got %q status=%s, want %d", env.Sender, env.Message, env.Status, next))
				}
				mu.Unlock()
			}
			next++
			collector.AddReplayed()
		})
		if err := c.Register(userName(recipientPrefix, i)); err != nil {
			collector.AddError()
		}
	}
	defer closeAll(recipients)

	fmt.Println("\n--- Phase 3: Drain ---")
	waitForDeliveries(ctx, collector, *drain)

	mu.Lock()
	for _, msg := range samples {
		fmt.Println("  ordering:", msg)
	}
	failures := bad
	mu.Unlock()

	scraper.Stop()
	collector.Report(os.Stdout)
	if failures > 0 {
		return fmt.Errorf("%d replays arrived out of order or with the wrong status", failures)
	}
	return nil
}
