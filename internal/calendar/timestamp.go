// Package calendar provides the world timestamp value type and the
// configurable calendar that gives it meaning: month lengths, day length,
// season boundaries, and time-of-day blocks.
package calendar

import "fmt"

// Timestamp is an immutable point in world time. Month and Day are 1-based,
// Hour and Minute are 0-based. A Timestamp has no meaning on its own; all
// arithmetic and comparison goes through a Config so that normalization to
// absolute minutes stays the single source of truth.
type Timestamp struct {
	Year   int `json:"year"`
	Month  int `json:"month"`
	Day    int `json:"day"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// String renders a compact timestamp for logs.
func (t Timestamp) String() string {
	return fmt.Sprintf("Y%d M%d D%d %d:%02d", t.Year, t.Month, t.Day, t.Hour, t.Minute)
}

// Abs normalizes a timestamp to the count of minutes since year 1, month 1,
// day 1, 00:00 under this calendar.
func (c *Config) Abs(t Timestamp) int64 {
	minutes := int64(t.Year-1) * c.minutesPerYear
	for m := 1; m < t.Month; m++ {
		minutes += int64(c.DaysPerMonth[m-1]) * c.minutesPerDay
	}
	minutes += int64(t.Day-1) * c.minutesPerDay
	minutes += int64(t.Hour) * int64(c.MinutesPerHour)
	minutes += int64(t.Minute)
	return minutes
}

// FromAbs converts an absolute minute count back into a calendar timestamp.
func (c *Config) FromAbs(abs int64) Timestamp {
	year := abs / c.minutesPerYear
	rem := abs % c.minutesPerYear

	month := 1
	for _, days := range c.DaysPerMonth {
		monthMinutes := int64(days) * c.minutesPerDay
		if rem < monthMinutes {
			break
		}
		rem -= monthMinutes
		month++
	}

	day := rem / c.minutesPerDay
	rem %= c.minutesPerDay
	hour := rem / int64(c.MinutesPerHour)
	minute := rem % int64(c.MinutesPerHour)

	return Timestamp{
		Year:   int(year) + 1,
		Month:  month,
		Day:    int(day) + 1,
		Hour:   int(hour),
		Minute: int(minute),
	}
}

// Add advances a timestamp by the given number of minutes. Negative minutes
// are allowed here; the clock authority enforces forward-only advancement.
func (c *Config) Add(t Timestamp, minutes int64) Timestamp {
	return c.FromAbs(c.Abs(t) + minutes)
}

// Compare orders two timestamps: -1 if a < b, 0 if equal, 1 if a > b.
func (c *Config) Compare(a, b Timestamp) int {
	am, bm := c.Abs(a), c.Abs(b)
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	default:
		return 0
	}
}

// Format renders a timestamp with its season, in the style the simulation
// logs use: "Spring Day 5, 8:05 Year 1".
func (c *Config) Format(t Timestamp) string {
	return fmt.Sprintf("%s Day %d, %d:%02d Year %d",
		c.SeasonAt(t).Name, t.Day, t.Hour, t.Minute, t.Year)
}
