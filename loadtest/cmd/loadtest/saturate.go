package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/roomchat/loadtest/client"
	"github.com/whisper/roomchat/loadtest/stats"
)

// runSaturate opens the requested number of connections over a ramp-up
// period, holds them while reporting drops, then closes them.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "", "Prometheus endpoint to scrape (e.g. http://localhost:8080/metrics)")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	launch(ctx, *connections, *rampUp, *concurrency, func(i int) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := client.New(connCtx, *url, client.Options{})
		if err != nil {
			collector.AddError()
			return
		}
		if err := c.WaitForSession(connCtx); err != nil {
			collector.AddError()
			c.Close()
			return
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)

		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
	})
	fmt.Printf("Ramp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if ctx.Err() == nil {
		fmt.Println("\n--- Hold phase ---")
		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("Interrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				break holdLoop
			case <-statusTicker.C:
				mu.Lock()
				alive := 0
				for _, c := range clients {
					if c.Alive() {
						alive++
					}
				}
				total := len(clients)
				mu.Unlock()
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, total, total-alive)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
	}

	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	for _, c := range clients {
		c.Close()
	}
	fmt.Printf("Closed %d connections.\n", len(clients))
	mu.Unlock()

	collector.Report()
}

// launch runs fn n times spread over ramp, with at most concurrency calls
// in flight. It returns when every launched call has finished or ctx is
// cancelled before all were launched.
func launch(ctx context.Context, n int, ramp time.Duration, concurrency int, fn func(i int)) {
	interval := ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
}
