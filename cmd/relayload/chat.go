package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/courier/relay/internal/client"
	"github.com/courier/relay/internal/loadstats"
	"github.com/courier/relay/internal/protocol"
)

// runChat pairs users up and has both sides of every pair send messages to
// each other at a fixed interval, each preceded by a typing notice. Message
// bodies carry the send time so the receiver can measure delivery latency.
func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8081/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration for connection creation")
	messages := fs.Int("messages", 20, "Messages each user sends to its partner")
	msgInterval := fs.Duration("msg-interval", 200*time.Millisecond, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	drain := fs.Duration("drain", 5*time.Second, "How long to wait for outstanding deliveries")
	metricsURL := fs.String("metrics-url", "http://localhost:8081/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	if *pairs <= 0 {
		return fmt.Errorf("pairs must be positive")
	}
	total := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (messages=%d, interval=%s, msg-size=%d)\n",
		*pairs, total, *url, *messages, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect and register ---")
	clients := connectUsers(ctx, *url, "chat", total, *rampUp, *concurrency, collector)
	defer closeAll(clients)

	for _, c := range clients {
		if c == nil {
			continue
		}
		c.On(protocol.TypeOnlineUsers, func(client.Envelope) {})
		c.On(protocol.TypeTyping, func(client.Envelope) {})
		c.On(protocol.TypeMessage, func(env client.Envelope) {
			if env.Status == protocol.StatusQueued {
				collector.AddReplayed()
				return
			}
			sentAt, err := strconv.ParseInt(strings.SplitN(env.Message, ":", 2)[0], 10, 64)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddDelivered(time.Since(time.Unix(0, sentAt)))
		})
	}

	fmt.Println("\n--- Phase 2: Exchange messages ---")
	padding := strings.Repeat("x", *msgSize)
	var wg sync.WaitGroup
	for i, c := range clients {
		if c == nil {
			continue
		}
		partner := i ^ 1
		wg.Add(1)
		go func(c *client.Client, self, peer string) {
			defer wg.Done()
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()

			for n := 0; n < *messages; n++ {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				if err := c.Typing(self, peer); err != nil {
					collector.AddError()
					return
				}
				body := strconv.FormatInt(time.Now().UnixNano(), 10) + ":" + padding
				if err := c.Message(self, peer, body, time.Now().Format(time.RFC3339)); err != nil {
					collector.AddError()
					return
				}
				collector.AddSent()
			}
		}(c, userName("chat", i), userName("chat", partner))
	}
	wg.Wait()

	fmt.Println("\n--- Phase 3: Drain ---")
	waitForDeliveries(ctx, collector, *drain)

	scraper.Stop()
	collector.Report(os.Stdout)
	return nil
}

// waitForDeliveries polls until every sent message has been delivered or
// replayed, or until timeout.
func waitForDeliveries(ctx context.Context, collector *loadstats.Collector, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		s := collector.Summary()
		if s.Delivered+s.Replayed >= s.Sent {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			fmt.Printf("  drain timeout: %d of %d messages outstanding\n", s.Sent-s.Delivered-s.Replayed, s.Sent)
			return
		case <-ticker.C:
		}
	}
}
