// Package schedule resolves which hourly delivery slots are eligible for a
// given trigger instant. The external trigger fires roughly hourly and may
// drift or double-fire, so the resolved window always covers the current
// slot plus the immediately preceding one.
package schedule

import (
	"fmt"
	"time"
)

// fallbackOffsetSeconds is the fixed UTC offset used when the configured
// timezone cannot be loaded. DST transitions are not modeled in the
// fallback; results are flagged Degraded instead.
const fallbackOffsetSeconds = 3 * 60 * 60

// Window is the set of eligible slots for one trigger instant.
type Window struct {
	// Slots holds the current slot label followed by the preceding one.
	Slots [2]string
	// Day is the calendar day (YYYY-MM-DD) in the scheduling timezone,
	// used as the at-most-once key for the delivery ledger.
	Day      string
	Degraded bool
}

func (w Window) Contains(slot string) bool {
	return slot == w.Slots[0] || slot == w.Slots[1]
}

// Resolve computes the eligible window for now in the given timezone.
// It is a pure function of its inputs: same instant and timezone always
// yield the same window.
func Resolve(now time.Time, timezone string) Window {
	loc, err := time.LoadLocation(timezone)
	degraded := false
	if err != nil || timezone == "" {
		loc = time.FixedZone("UTC+3", fallbackOffsetSeconds)
		degraded = true
	}

	local := now.In(loc)
	return Window{
		Slots: [2]string{
			SlotLabel(local),
			SlotLabel(local.Add(-time.Hour)),
		},
		Day:      local.Format("2006-01-02"),
		Degraded: degraded,
	}
}

// SlotLabel formats t's hour as a slot label, e.g. "09:00".
func SlotLabel(t time.Time) string {
	return fmt.Sprintf("%02d:00", t.Hour())
}
