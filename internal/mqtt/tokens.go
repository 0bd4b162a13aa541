package mqtt

import (
	"sync"
	"time"
)

// DailyCounters tracks token usage and tickets opened since local
// midnight. It is safe for concurrent use.
type DailyCounters struct {
	mu       sync.Mutex
	input    int64
	output   int64
	messages int64
	tickets  int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyCounters creates a counter set using loc for midnight
// detection. If loc is nil, [time.Local] is used.
func NewDailyCounters(loc *time.Location) *DailyCounters {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounters{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// OnMessage records the tokens of one answered message.
func (d *DailyCounters) OnMessage(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.messages++
}

// OnTicket records one created ticket.
func (d *DailyCounters) OnTicket() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.tickets++
}

// DailySnapshot is a point-in-time copy of the counters.
type DailySnapshot struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Messages     int64 `json:"messages"`
	Tickets      int64 `json:"tickets"`
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (d *DailyCounters) Snapshot() DailySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return DailySnapshot{
		InputTokens:  d.input,
		OutputTokens: d.output,
		Messages:     d.messages,
		Tickets:      d.tickets,
	}
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyCounters) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input = 0
		d.output = 0
		d.messages = 0
		d.tickets = 0
		d.resetDay = today
	}
}
