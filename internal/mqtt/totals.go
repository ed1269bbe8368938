package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/loopgate/internal/events"
)

// DailyTotals tracks completed loop runs for the current local day,
// resetting at midnight. It is safe for concurrent use.
type DailyTotals struct {
	mu           sync.Mutex
	input        int64
	output       int64
	runs         int64
	terminations map[string]int64
	lastRun      time.Time
	resetDay     int // day-of-year of last reset
	loc          *time.Location
	now          func() time.Time
}

// TotalsSnapshot is a copy of the day's counters.
type TotalsSnapshot struct {
	Runs         int64            `json:"runs"`
	InputTokens  int64            `json:"input_tokens"`
	OutputTokens int64            `json:"output_tokens"`
	Terminations map[string]int64 `json:"terminations,omitempty"`
	LastRun      *time.Time       `json:"last_run,omitempty"`
}

// NewDailyTotals creates a new accumulator using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used.
func NewDailyTotals(loc *time.Location) *DailyTotals {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTotals{
		terminations: make(map[string]int64),
		loc:          loc,
		now:          time.Now,
	}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Observe folds a request_complete event into the totals. Other kinds
// are ignored.
func (d *DailyTotals) Observe(e events.Event) {
	if e.Kind != events.KindRequestComplete {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += intField(e.Data, "total_tokens_in")
	d.output += intField(e.Data, "total_tokens_out")
	d.runs++
	if term, ok := e.Data["termination"].(string); ok && term != "" {
		d.terminations[term]++
	}
	d.lastRun = e.Timestamp
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (d *DailyTotals) Snapshot() TotalsSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	snap := TotalsSnapshot{
		Runs:         d.runs,
		InputTokens:  d.input,
		OutputTokens: d.output,
	}
	if len(d.terminations) > 0 {
		snap.Terminations = make(map[string]int64, len(d.terminations))
		for k, v := range d.terminations {
			snap.Terminations[k] = v
		}
	}
	if !d.lastRun.IsZero() {
		t := d.lastRun
		snap.LastRun = &t
	}
	return snap
}

// maybeReset zeroes the accumulators if the local day-of-year has
// changed. Must be called with d.mu held.
func (d *DailyTotals) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input = 0
		d.output = 0
		d.runs = 0
		d.terminations = make(map[string]int64)
		d.resetDay = today
	}
}

// intField reads a numeric event field. Events published in-process
// carry ints; events decoded from JSON carry float64.
func intField(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
