package loadstats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the relay's server-side metrics at one point in time.
type snapshot struct {
	timestamp     time.Time
	connections   float64
	onlineUsers   float64
	offlineQueued float64
	envelopes     float64 // relay_envelopes_total summed over labels
	sendFailures  float64
	routeSum      float64
	routeCount    float64
}

// Scraper periodically fetches the relay's /metrics endpoint during a load
// run and records snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL that scrapes every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes an initial snapshot and keeps scraping in the background until
// ctx is cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The server may not be ready yet.
		return
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// parseSnapshot reads Prometheus text exposition and keeps the relay series.
func parseSnapshot(r io.Reader) (snapshot, error) {
	snap := snapshot{timestamp: time.Now()}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "relay_connections":
			snap.connections = value
		case "relay_online_users":
			snap.onlineUsers = value
		case "relay_offline_queued":
			snap.offlineQueued = value
		case "relay_envelopes_total":
			snap.envelopes += value
		case "relay_send_failures_total":
			snap.sendFailures += value
		case "relay_route_latency_seconds_sum":
			snap.routeSum = value
		case "relay_route_latency_seconds_count":
			snap.routeCount = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits `name{labels} value` or `name value` into the bare
// metric name and its value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if idx := strings.IndexByte(raw, '{'); idx != -1 {
		name = raw[:idx]
		closing := strings.IndexByte(raw[idx:], '}')
		if closing == -1 {
			return "", 0, false
		}
		raw = name + raw[idx+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report writes initial, final, delta and peak values for each tracked series.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := make([]snapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}

	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Online Users", func(s snapshot) float64 { return s.onlineUsers }},
		{"Offline Queued", func(s snapshot) float64 { return s.offlineQueued }},
		{"Envelopes", func(s snapshot) float64 { return s.envelopes }},
		{"Send Failures", func(s snapshot) float64 { return s.sendFailures }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, row := range rows {
		initial, final := row.extract(first), row.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			row.label, initial, final, final-initial, peakValue(snaps, row.extract))
	}

	fmt.Fprintln(w)
	if count := last.routeCount - first.routeCount; count > 0 {
		fmt.Fprintf(w, "  %-16s avg: %.6fs  (%.0f observations)\n", "Route Latency",
			(last.routeSum-first.routeSum)/count, count)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", "Route Latency")
	}
}

func peakValue(snaps []snapshot, extract func(snapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
