package model

import "time"

// Window is the half open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// LastWindow is the window of length d ending at now.
func LastWindow(now time.Time, d time.Duration) Window {
	return Window{Start: now.Add(-d), End: now}
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Buckets returns how many interval wide slices cover the window,
// rounding the last partial slice up.
func (w Window) Buckets(interval time.Duration) int {
	if interval <= 0 || w.Duration() <= 0 {
		return 0
	}
	d := w.Duration()
	n := d / interval
	if d%interval != 0 {
		n++
	}
	return int(n)
}
