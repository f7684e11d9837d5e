package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/roomchat/loadtest/client"
	"github.com/whisper/roomchat/loadtest/stats"
)

const bodyPrefix = "lt|"

// runRooms connects rooms*members clients, joins each to its room, and has
// every member send messages at a fixed interval. Each receive_message is
// timed against the send time embedded in its body, so the fan-out latency
// covers persistence plus broadcast.
func runRooms(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "", "Prometheus endpoint to scrape")
	rooms := fs.Int("rooms", 10, "Number of rooms")
	members := fs.Int("members", 10, "Members per room")
	messages := fs.Int("messages", 20, "Messages sent by each member")
	interval := fs.Duration("interval", 500*time.Millisecond, "Delay between a member's sends")
	rampUp := fs.Duration("ramp", 5*time.Second, "Connection ramp-up duration")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	drain := fs.Duration("drain", 5*time.Second, "Time to wait for in-flight messages after the last send")
	fs.Parse(args)

	total := *rooms * *members
	fmt.Printf("Rooms test: %d rooms x %d members, %d messages each every %s (%s)\n",
		*rooms, *members, *messages, *interval, *url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	onReceive := func(raw json.RawMessage) {
		var m client.ReceivedMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		if sent, ok := sentAt(m.Message); ok {
			collector.AddFanout(time.Since(sent))
		}
	}

	type member struct {
		c    *client.Client
		room string
		name string
	}
	var mu sync.Mutex
	joined := make([]member, 0, total)

	fmt.Println("\n--- Connect phase ---")
	launch(ctx, total, *rampUp, *concurrency, func(i int) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := client.New(connCtx, *url, client.Options{
			Handlers: map[string]func(json.RawMessage){client.TypeReceiveMessage: onReceive},
		})
		if err != nil {
			collector.AddError()
			return
		}
		if err := c.WaitForSession(connCtx); err != nil {
			collector.AddError()
			c.Close()
			return
		}
		room := fmt.Sprintf("lt-room-%d", i%*rooms)
		if err := c.JoinRoom(room); err != nil {
			collector.AddError()
			c.Close()
			return
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)

		mu.Lock()
		joined = append(joined, member{c: c, room: room, name: fmt.Sprintf("lt-user-%d", i)})
		mu.Unlock()
	})
	fmt.Printf("Connected and joined: %d/%d (%d errors)\n", len(joined), total, collector.ErrorCount())

	fmt.Println("\n--- Message phase ---")
	var wg sync.WaitGroup
	for _, m := range joined {
		wg.Add(1)
		go func(m member) {
			defer wg.Done()
			ticker := time.NewTicker(*interval)
			defer ticker.Stop()
			for n := 0; n < *messages; n++ {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				if err := m.c.SendMessage(m.room, m.name, body(time.Now())); err != nil {
					collector.AddError()
					return
				}
			}
		}(m)
	}
	wg.Wait()

	select {
	case <-ctx.Done():
	case <-time.After(*drain):
	}

	fmt.Println("\n--- Cleanup ---")
	for _, m := range joined {
		collector.AddRateLimited(m.c.GetMetrics().RateLimited)
		m.c.Close()
	}

	collector.Report()
}

func body(now time.Time) string {
	return bodyPrefix + strconv.FormatInt(now.UnixNano(), 10)
}

func sentAt(body string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(body, bodyPrefix)
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
