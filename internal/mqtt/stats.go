package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/mnemo/internal/events"
)

// DailyStats is a snapshot of one day's agent activity.
type DailyStats struct {
	Date      string `json:"date"`
	Turns     int64  `json:"turns"`
	Failed    int64  `json:"failed"`
	Exhausted int64  `json:"exhausted"`
	ToolCalls int64  `json:"tool_calls"`
	Resets    int64  `json:"resets"`
}

// DailyCounter tallies agent events and resets at local midnight. It is
// safe for concurrent use.
type DailyCounter struct {
	mu       sync.Mutex
	stats    DailyStats
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyCounter creates a counter using loc for midnight detection.
// If loc is nil, [time.Local] is used.
func NewDailyCounter(loc *time.Location) *DailyCounter {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounter{loc: loc, now: time.Now}
	today := d.now().In(loc)
	d.resetDay = today.YearDay()
	d.stats.Date = today.Format(time.DateOnly)
	return d
}

// Observe counts e and reports whether it changed the totals.
func (d *DailyCounter) Observe(e events.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch e.Kind {
	case events.KindTurnComplete:
		d.stats.Turns++
		if exhausted, _ := e.Data["exhausted"].(bool); exhausted {
			d.stats.Exhausted++
		}
	case events.KindTurnError:
		d.stats.Turns++
		d.stats.Failed++
	case events.KindToolCall:
		d.stats.ToolCalls++
	case events.KindSessionReset:
		d.stats.Resets++
	default:
		return false
	}
	return true
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (d *DailyCounter) Snapshot() DailyStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.stats
}

// maybeReset zeroes the totals if the local day has changed. Must be
// called with d.mu held.
func (d *DailyCounter) maybeReset() {
	today := d.now().In(d.loc)
	if today.YearDay() != d.resetDay {
		d.stats = DailyStats{Date: today.Format(time.DateOnly)}
		d.resetDay = today.YearDay()
	}
}
