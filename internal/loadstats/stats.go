// Package loadstats aggregates client-side results from many simulated relay
// users and prints a summary with percentile distributions.
package loadstats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from multiple load clients. All methods are
// goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	msgLatencies     []time.Duration
	errors           int
	connections      int
	sent             int
	delivered        int
	replayed         int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a Prometheus scraper whose server-side figures are
// appended to the report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection with the given connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSent counts one message handed to the relay.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivered records a live delivery and its end-to-end latency.
func (c *Collector) AddDelivered(d time.Duration) {
	c.mu.Lock()
	c.delivered++
	c.msgLatencies = append(c.msgLatencies, d)
	c.mu.Unlock()
}

// AddReplayed counts one message received from the offline queue.
func (c *Collector) AddReplayed() {
	c.mu.Lock()
	c.replayed++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Summary is a point-in-time copy of the counters.
type Summary struct {
	Connections int
	Sent        int
	Delivered   int
	Replayed    int
	Errors      int
}

// Summary returns the current counters.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		Connections: c.connections,
		Sent:        c.sent,
		Delivered:   c.delivered,
		Replayed:    c.replayed,
		Errors:      c.errors,
	}
}

// Report writes a formatted summary of the collected metrics to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Fprintln(w, "\n=== Relay Load Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Sent:         %d\n", c.sent)
	fmt.Fprintf(w, "Delivered:    %d\n", c.delivered)
	fmt.Fprintf(w, "Replayed:     %d\n", c.replayed)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)

	if c.sent > 0 {
		rate := float64(c.delivered+c.replayed) / float64(c.sent) * 100
		fmt.Fprintf(w, "Delivery:     %.2f%%\n", rate)
	}

	if len(c.connectLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		printPercentiles(w, c.connectLatencies)
	}

	if len(c.msgLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Message Latency ---")
		printPercentiles(w, c.msgLatencies)
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}

	fmt.Fprintln(w)
}

// Percentiles summarizes a latency sample.
type Percentiles struct {
	Avg, P50, P95, P99, Max time.Duration
	N                       int
}

// ComputePercentiles sorts durations in place and summarizes them.
func ComputePercentiles(durations []time.Duration) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Percentiles{
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
		N:   n,
	}
}

func printPercentiles(w io.Writer, durations []time.Duration) {
	p := ComputePercentiles(durations)
	fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}
