package ratelimit

import "time"

const dayLayout = "2006-01-02"

// DayKey formats the UTC calendar date of t as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// NextUTCMidnight returns the start of the UTC day following t.
func NextUTCMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// SecondsUntilNextUTCMidnight returns the whole seconds (rounded down)
// between t and the next UTC midnight. Never negative.
func SecondsUntilNextUTCMidnight(t time.Time) int64 {
	secs := int64(NextUTCMidnight(t).Sub(t) / time.Second)
	return max(secs, 0)
}
