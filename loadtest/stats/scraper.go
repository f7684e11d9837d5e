package stats

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// Server metric names scraped from the chat server.
const (
	metricConnections = "roomchat_connections_total"
	metricActiveRooms = "roomchat_active_rooms"
	metricEvents      = "roomchat_events_total"
	metricMessages    = "roomchat_messages_total"
	metricRateLimited = "roomchat_rate_limited_total"
	metricMsgLatency  = "roomchat_message_latency_seconds"
	metricStore       = "roomchat_store_latency_seconds"
	metricFanout      = "roomchat_fanout_recipients"
)

// Snapshot is one scrape of the metrics endpoint.
type Snapshot struct {
	At       time.Time
	Families map[string]*dto.MetricFamily
}

// ParseSnapshot decodes the Prometheus text exposition format.
func ParseSnapshot(r io.Reader, at time.Time) (Snapshot, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{At: at, Families: families}, nil
}

// value returns the gauge or counter value of the unlabeled series.
func (s Snapshot) value(name string) float64 {
	var total float64
	for _, m := range s.metrics(name) {
		total += m.GetGauge().GetValue() + m.GetCounter().GetValue()
	}
	return total
}

// byLabel returns counter values keyed by the given label.
func (s Snapshot) byLabel(name, label string) map[string]float64 {
	out := make(map[string]float64)
	for _, m := range s.metrics(name) {
		out[labelValue(m, label)] += m.GetCounter().GetValue()
	}
	return out
}

// histograms returns histogram series keyed by the given label; label may be
// empty for an unlabeled histogram.
func (s Snapshot) histograms(name, label string) map[string]*dto.Histogram {
	out := make(map[string]*dto.Histogram)
	for _, m := range s.metrics(name) {
		if h := m.GetHistogram(); h != nil {
			out[labelValue(m, label)] = h
		}
	}
	return out
}

func (s Snapshot) metrics(name string) []*dto.Metric {
	if mf, ok := s.Families[name]; ok {
		return mf.GetMetric()
	}
	return nil
}

func labelValue(m *dto.Metric, label string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == label {
			return lp.GetValue()
		}
	}
	return ""
}

// HistogramDelta summarizes observations made between two scrapes.
type HistogramDelta struct {
	Count float64
	Avg   float64
	P95   float64 // upper bound of the bucket holding the 95th percentile
}

func diffHistogram(first, last *dto.Histogram) HistogramDelta {
	if last == nil {
		return HistogramDelta{}
	}
	count := last.GetSampleCountFloat() + float64(last.GetSampleCount())
	sum := last.GetSampleSum()
	prior := make(map[float64]float64)
	if first != nil {
		count -= first.GetSampleCountFloat() + float64(first.GetSampleCount())
		sum -= first.GetSampleSum()
		for _, b := range first.GetBucket() {
			prior[b.GetUpperBound()] = float64(b.GetCumulativeCount())
		}
	}
	if count <= 0 {
		return HistogramDelta{}
	}

	d := HistogramDelta{Count: count, Avg: sum / count, P95: math.Inf(1)}
	for _, b := range last.GetBucket() {
		if float64(b.GetCumulativeCount())-prior[b.GetUpperBound()] >= 0.95*count {
			d.P95 = b.GetUpperBound()
			break
		}
	}
	return d
}

// ServerReport is the change in server metrics over a load test run.
type ServerReport struct {
	Duration       time.Duration
	Connections    Range
	ActiveRooms    Range
	Messages       map[string]float64 // by result
	Events         map[string]float64 // by type
	RateLimited    map[string]float64 // by rule
	MessageLatency HistogramDelta
	StoreLatency   map[string]HistogramDelta // by op
	Fanout         HistogramDelta
}

// Range is a gauge's first, last and highest observed values.
type Range struct {
	First, Last, Peak float64
}

// Compare builds a ServerReport from an ordered series of snapshots.
func Compare(snaps []Snapshot) ServerReport {
	if len(snaps) == 0 {
		return ServerReport{}
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	gauge := func(name string) Range {
		r := Range{First: first.value(name), Last: last.value(name), Peak: math.Inf(-1)}
		for _, s := range snaps {
			r.Peak = math.Max(r.Peak, s.value(name))
		}
		return r
	}
	counters := func(name, label string) map[string]float64 {
		before := first.byLabel(name, label)
		out := last.byLabel(name, label)
		for k := range out {
			out[k] -= before[k]
		}
		return out
	}

	rep := ServerReport{
		Duration:     last.At.Sub(first.At),
		Connections:  gauge(metricConnections),
		ActiveRooms:  gauge(metricActiveRooms),
		Messages:     counters(metricMessages, "result"),
		Events:       counters(metricEvents, "type"),
		RateLimited:  counters(metricRateLimited, "rule"),
		StoreLatency: make(map[string]HistogramDelta),
	}
	rep.MessageLatency = diffHistogram(first.histograms(metricMsgLatency, "")[""], last.histograms(metricMsgLatency, "")[""])
	rep.Fanout = diffHistogram(first.histograms(metricFanout, "")[""], last.histograms(metricFanout, "")[""])

	before := first.histograms(metricStore, "op")
	for op, h := range last.histograms(metricStore, "op") {
		rep.StoreLatency[op] = diffHistogram(before[op], h)
	}
	return rep
}

// Scraper periodically fetches the server's metrics endpoint during a run.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu    sync.Mutex
	snaps []Snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start scrapes once immediately and then every interval until Stop.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrape(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrape(context.Background())
				return
			case <-ticker.C:
				s.scrape(ctx)
			}
		}
	}()
}

// Stop takes a final scrape and waits for the background loop.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrape(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	snap, err := ParseSnapshot(resp.Body, time.Now())
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

// Report prints the server-side view of the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]Snapshot(nil), s.snaps...)
	s.mu.Unlock()

	if len(snaps) < 2 {
		fmt.Println("\n--- Server Metrics (not enough scrapes) ---")
		return
	}
	rep := Compare(snaps)

	fmt.Printf("\n--- Server Metrics (%d scrapes over %s) ---\n", len(snaps), rep.Duration.Round(time.Second))
	fmt.Printf("  %-14s first %-8.0f last %-8.0f peak %.0f\n", "connections", rep.Connections.First, rep.Connections.Last, rep.Connections.Peak)
	fmt.Printf("  %-14s first %-8.0f last %-8.0f peak %.0f\n", "active rooms", rep.ActiveRooms.First, rep.ActiveRooms.Last, rep.ActiveRooms.Peak)

	printCounts("messages", rep.Messages)
	printCounts("events", rep.Events)
	printCounts("rate limited", rep.RateLimited)

	fmt.Println()
	printLatency("send latency", rep.MessageLatency)
	for _, op := range sortedKeys(rep.StoreLatency) {
		printLatency("store "+op, rep.StoreLatency[op])
	}
	if rep.Fanout.Count > 0 {
		fmt.Printf("  %-22s avg %.1f recipients over %.0f broadcasts\n", "fan-out", rep.Fanout.Avg, rep.Fanout.Count)
	}
}

func printCounts(label string, counts map[string]float64) {
	if len(counts) == 0 {
		return
	}
	fmt.Printf("  %s:", label)
	for _, k := range sortedKeys(counts) {
		fmt.Printf(" %s=%.0f", k, counts[k])
	}
	fmt.Println()
}

func printLatency(label string, d HistogramDelta) {
	if d.Count == 0 {
		fmt.Printf("  %-22s no observations\n", label)
		return
	}
	fmt.Printf("  %-22s avg %s  p95 <= %s  (%.0f)\n", label,
		fmtSeconds(d.Avg), fmtSeconds(d.P95), d.Count)
}

func fmtSeconds(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return time.Duration(v * float64(time.Second)).Round(10 * time.Microsecond).String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
