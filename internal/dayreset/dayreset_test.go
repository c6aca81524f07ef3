package dayreset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, min int) time.Time {
	return time.Date(2026, time.March, 14, hour, min, 0, 0, time.UTC)
}

func TestParse(t *testing.T) {
	rt, err := Parse("04:00")
	require.NoError(t, err)
	assert.Equal(t, ResetTime{Hour: 4, Minute: 0}, rt)
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "4", "25:00", "04:60", "abc:def", "12:34xyz", "12x:34", "12:3 4"} {
		_, err := Parse(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "04:00", ResetTime{Hour: 4}.String())
	assert.Equal(t, "23:30", ResetTime{Hour: 23, Minute: 30}.String())
}

func TestBoundary_AfterResetUsesToday(t *testing.T) {
	rt := ResetTime{Hour: 4}
	assert.Equal(t, at(4, 0), rt.Boundary(at(4, 1)))
	assert.Equal(t, at(4, 0), rt.Boundary(at(23, 59)))
}

func TestBoundary_BeforeResetUsesYesterday(t *testing.T) {
	rt := ResetTime{Hour: 4}
	got := rt.Boundary(at(3, 59))
	assert.Equal(t, time.Date(2026, time.March, 13, 4, 0, 0, 0, time.UTC), got)
}

func TestBoundary_ExactInstant(t *testing.T) {
	rt := ResetTime{Hour: 4}
	assert.Equal(t, at(4, 0), rt.Boundary(at(4, 0)))
}

func TestIsNewDay(t *testing.T) {
	rt := ResetTime{Hour: 4}
	now := at(4, 1)

	// Updated just before today's boundary: a new day has begun.
	assert.True(t, rt.IsNewDay(at(3, 59), now))

	// Updated just after today's boundary: same tracking day.
	assert.False(t, rt.IsNewDay(at(4, 1), now))

	// Exactly at the boundary is not strictly before it.
	assert.False(t, rt.IsNewDay(at(4, 0), now))
}

func TestIsNewDay_BeforeBoundaryNow(t *testing.T) {
	rt := ResetTime{Hour: 4}
	now := at(2, 0) // boundary is yesterday 04:00

	assert.False(t, rt.IsNewDay(at(1, 0), now))
	assert.True(t, rt.IsNewDay(time.Date(2026, time.March, 13, 3, 0, 0, 0, time.UTC), now))
}

func TestIsNewDay_ZeroInstant(t *testing.T) {
	assert.True(t, ResetTime{Hour: 4}.IsNewDay(time.Time{}, at(12, 0)))
}
