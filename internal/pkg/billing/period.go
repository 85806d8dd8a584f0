package billing

import "time"

// AddMonths moves t by n calendar months, clamping the day to the last day
// of the target month (Jan 31 + 1 month = Feb 28/29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(firstOfMonth time.Time) int {
	return firstOfMonth.AddDate(0, 1, -1).Day()
}

// NextBoundary returns the first period boundary strictly after now. Each
// boundary is computed from the anchor so clamping never drifts the day.
func NextBoundary(anchor time.Time, periodMonths int, now time.Time) time.Time {
	if periodMonths <= 0 {
		periodMonths = 1
	}
	if now.Before(anchor) {
		return anchor
	}
	// Skip whole years quickly, then walk period by period.
	k := 1
	if years := now.Year() - anchor.Year(); years > 1 {
		k = (years - 1) * 12 / periodMonths
		if k < 1 {
			k = 1
		}
	}
	for {
		b := AddMonths(anchor, k*periodMonths)
		if b.After(now) {
			return b
		}
		k++
	}
}
