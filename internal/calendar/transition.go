package calendar

import "errors"

// ErrNoBoundary is returned by MinutesUntil when no timestamp within one
// calendar year satisfies the predicate.
var ErrNoBoundary = errors.New("calendar: no matching timestamp within one year")

// SeasonAt returns the season containing the given timestamp. Dates before
// the first season boundary wrap to the last season of the previous year.
func (c *Config) SeasonAt(t Timestamp) Season {
	current := c.Seasons[len(c.Seasons)-1]
	for _, s := range c.Seasons {
		if t.Month > s.StartMonth || (t.Month == s.StartMonth && t.Day >= s.StartDay) {
			current = s
		}
	}
	return current
}

// TimeBlockAt returns the time-of-day block containing the given timestamp.
// Hours before the first block boundary wrap to the last block.
func (c *Config) TimeBlockAt(t Timestamp) TimeBlock {
	current := c.TimeBlocks[len(c.TimeBlocks)-1]
	for _, b := range c.TimeBlocks {
		if t.Hour >= b.StartHour {
			current = b
		}
	}
	return current
}

// Predicate selects timestamps for MinutesUntil scans.
type Predicate func(Timestamp) bool

// MinutesUntil scans forward from the given timestamp (exclusive) to the
// next timestamp satisfying the predicate and returns the distance in
// minutes. The scan is bounded at one calendar year; predicates that match
// nothing in that window yield ErrNoBoundary. The scan never mutates state.
func (c *Config) MinutesUntil(from Timestamp, pred Predicate) (int64, error) {
	start := c.Abs(from)
	for delta := int64(1); delta <= c.minutesPerYear; delta++ {
		if pred(c.FromAbs(start + delta)) {
			return delta, nil
		}
	}
	return 0, ErrNoBoundary
}

// AtHour matches the exact top of the given hour.
func AtHour(hour int) Predicate {
	return func(t Timestamp) bool { return t.Hour == hour && t.Minute == 0 }
}

// InSeason matches any timestamp within the named season.
func (c *Config) InSeason(name string) Predicate {
	return func(t Timestamp) bool { return c.SeasonAt(t).Name == name }
}

// InBlock matches any timestamp within the named time-of-day block.
func (c *Config) InBlock(name string) Predicate {
	return func(t Timestamp) bool { return c.TimeBlockAt(t).Name == name }
}
