package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/courier/relay/internal/client"
	"github.com/courier/relay/internal/loadstats"
)

// userName returns the deterministic name of simulated user i.
func userName(prefix string, i int) string {
	return fmt.Sprintf("%s-%05d", prefix, i)
}

// connectUsers dials and registers n users named prefix-00000 onward,
// spreading the dials over ramp with at most concurrency in flight. Users
// that fail to connect are left nil and counted as errors.
func connectUsers(ctx context.Context, url, prefix string, n int, ramp time.Duration, concurrency int, collector *loadstats.Collector) []*client.Client {
	clients := make([]*client.Client, n)

	interval := ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

launch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.Dial(connCtx, url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.Register(userName(prefix, i)); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			clients[i] = c
		}(i)
	}

	wg.Wait()
	return clients
}

func closeAll(clients []*client.Client) {
	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
}
