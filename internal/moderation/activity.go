package moderation

import (
	"strings"
	"sync"
	"time"
)

// Behavior terms reported in FilterResult.Term.
const (
	BehaviorBurst  = "burst"
	BehaviorRepeat = "repeat"
)

// ActivityConfig bounds how fast a sender may post into one room.
type ActivityConfig struct {
	Window     time.Duration // sliding window for both checks
	MaxBurst   int           // messages per sender per room per window
	MaxRepeats int           // identical consecutive messages per window
}

func DefaultActivityConfig() ActivityConfig {
	return ActivityConfig{
		Window:     10 * time.Second,
		MaxBurst:   8,
		MaxRepeats: 3,
	}
}

type trail struct {
	sent    []time.Time
	last    string
	repeats int
	lastAt  time.Time
}

// Activity tracks recent posts per (room, sender) and flags bursts and
// copy-paste repetition. It is safe for concurrent use.
type Activity struct {
	cfg       ActivityConfig
	mu        sync.Mutex
	trails    map[string]*trail
	lastSweep time.Time
}

func NewActivity(cfg ActivityConfig) *Activity {
	return &Activity{
		cfg:    cfg,
		trails: make(map[string]*trail),
	}
}

// Observe records req and reports whether the sender is flooding the room.
// req.Ts orders observations; a zero Ts means now.
func (a *Activity) Observe(req Request) FilterResult {
	if req.Sender == "" || req.RoomID == "" {
		return FilterResult{}
	}
	at := time.Now()
	if req.Ts > 0 {
		at = time.UnixMilli(req.Ts)
	}
	text := strings.Join(strings.Fields(strings.ToLower(req.Text)), " ")

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweep(at)

	key := req.RoomID + "\x00" + req.Sender
	t, ok := a.trails[key]
	if !ok {
		t = &trail{}
		a.trails[key] = t
	}

	cutoff := at.Add(-a.cfg.Window)
	kept := t.sent[:0]
	for _, ts := range t.sent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.sent = append(kept, at)

	if text != "" && text == t.last && t.lastAt.After(cutoff) {
		t.repeats++
	} else {
		t.repeats = 1
	}
	t.last, t.lastAt = text, at

	switch {
	case a.cfg.MaxRepeats > 0 && t.repeats >= a.cfg.MaxRepeats:
		return FilterResult{Blocked: true, Reason: ReasonBehavior, Term: BehaviorRepeat}
	case a.cfg.MaxBurst > 0 && len(t.sent) > a.cfg.MaxBurst:
		return FilterResult{Blocked: true, Reason: ReasonBehavior, Term: BehaviorBurst}
	}
	return FilterResult{}
}

// sweep drops trails idle for a full window. Runs at most once per window.
func (a *Activity) sweep(now time.Time) {
	if now.Sub(a.lastSweep) < a.cfg.Window {
		return
	}
	a.lastSweep = now
	cutoff := now.Add(-a.cfg.Window)
	for key, t := range a.trails {
		if !t.lastAt.After(cutoff) {
			delete(a.trails, key)
		}
	}
}

// size returns the number of tracked (room, sender) pairs.
func (a *Activity) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.trails)
}
