package clock

import "time"

const layout = "2006-01-02T15:04:05Z"

// Now returns the current UTC time truncated to whole seconds.
// All persisted timestamps go through this so that values survive a
// round-trip to the store without sub-second drift.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Stamp formats a time the way it is rendered in API responses.
func Stamp(t time.Time) string {
	return t.UTC().Format(layout)
}

// DaysFromNow returns an expiry timestamp the given number of whole days
// ahead, or nil for days <= 0 (permanent).
func DaysFromNow(days int) *time.Time {
	if days <= 0 {
		return nil
	}
	t := Now().AddDate(0, 0, days)
	return &t
}

// DaysTTL converts an expiry-in-days value to a duration pointer,
// nil meaning no expiry.
func DaysTTL(days int) *time.Duration {
	if days <= 0 {
		return nil
	}
	d := time.Duration(days) * 24 * time.Hour
	return &d
}
