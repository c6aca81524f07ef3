// Package dayreset computes tracking-day boundaries. A tracking day is
// delimited by a configurable time of day, not by midnight, so boundary
// math is instant-based rather than calendar-date comparison.
package dayreset

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ResetTime is the configured time of day at which a new tracking day
// begins.
type ResetTime struct {
	Hour   int
	Minute int
}

// Default is used when no reset time is configured.
var Default = ResetTime{Hour: 4, Minute: 0}

// Parse reads a "HH:MM" reset time.
func Parse(s string) (ResetTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return ResetTime{}, fmt.Errorf("invalid reset time %q: expected HH:MM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return ResetTime{}, fmt.Errorf("invalid reset time %q: %w", s, err)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return ResetTime{}, fmt.Errorf("invalid reset time %q: %w", s, err)
	}
	rt := ResetTime{Hour: hour, Minute: minute}
	if rt.Hour < 0 || rt.Hour > 23 || rt.Minute < 0 || rt.Minute > 59 {
		return ResetTime{}, fmt.Errorf("reset time %q out of range", s)
	}
	return rt, nil
}

// String renders the reset time as "HH:MM".
func (rt ResetTime) String() string {
	return fmt.Sprintf("%02d:%02d", rt.Hour, rt.Minute)
}

// Boundary returns the most recent reset boundary at or before now:
// today's boundary if now is at or past it, otherwise yesterday's.
func (rt ResetTime) Boundary(now time.Time) time.Time {
	b := time.Date(now.Year(), now.Month(), now.Day(), rt.Hour, rt.Minute, 0, 0, now.Location())
	if now.Before(b) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}

// IsNewDay reports whether lastUpdated falls strictly before the most
// recent reset boundary, i.e. whether a new tracking day has begun since
// the record was last touched.
func (rt ResetTime) IsNewDay(lastUpdated, now time.Time) bool {
	if lastUpdated.IsZero() {
		return true
	}
	return lastUpdated.Before(rt.Boundary(now))
}
