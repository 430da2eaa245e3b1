package calendar

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Season marks where a season begins within the year. The table is cyclic:
// dates before the first entry belong to the last season of the year.
type Season struct {
	Name       string `yaml:"name" json:"name"`
	StartMonth int    `yaml:"start_month" json:"start_month"`
	StartDay   int    `yaml:"start_day" json:"start_day"`
}

// TimeBlock marks where a time-of-day block begins within the day. Cyclic in
// the same way: hours before the first entry belong to the last block.
type TimeBlock struct {
	Name      string `yaml:"name" json:"name"`
	StartHour int    `yaml:"start_hour" json:"start_hour"`
}

// Config defines the calendar. Loaded once at startup and immutable after
// Validate; every component shares the same instance.
type Config struct {
	MinutesPerHour int         `yaml:"minutes_per_hour"`
	HoursPerDay    int         `yaml:"hours_per_day"`
	DaysPerMonth   []int       `yaml:"days_per_month"`
	Seasons        []Season    `yaml:"seasons"`
	TimeBlocks     []TimeBlock `yaml:"time_blocks"`

	// Derived in Validate.
	minutesPerDay  int64
	minutesPerYear int64
}

// Load reads a calendar config from a YAML file and validates it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("calendar config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("calendar config: %w", err)
	}
	return &c, nil
}

// Default returns the standard calendar: 60-minute hours, 24-hour days,
// twelve 30-day months, four seasons, and five time-of-day blocks.
func Default() *Config {
	c := &Config{
		MinutesPerHour: 60,
		HoursPerDay:    24,
		DaysPerMonth:   []int{30, 30, 30, 30, 30, 30, 30, 30, 30, 30, 30, 30},
		Seasons: []Season{
			{Name: "Spring", StartMonth: 3, StartDay: 1},
			{Name: "Summer", StartMonth: 6, StartDay: 1},
			{Name: "Autumn", StartMonth: 9, StartDay: 1},
			{Name: "Winter", StartMonth: 12, StartDay: 1},
		},
		TimeBlocks: []TimeBlock{
			{Name: "Dawn", StartHour: 5},
			{Name: "Morning", StartHour: 7},
			{Name: "Afternoon", StartHour: 12},
			{Name: "Evening", StartHour: 18},
			{Name: "Night", StartHour: 21},
		},
	}
	if err := c.Validate(); err != nil {
		panic(err) // Default config must always validate.
	}
	return c
}

// MonthsPerYear returns the number of months in a year.
func (c *Config) MonthsPerYear() int { return len(c.DaysPerMonth) }

// MinutesPerDay returns the length of a day in minutes.
func (c *Config) MinutesPerDay() int64 { return c.minutesPerDay }

// MinutesPerYear returns the length of a year in minutes.
func (c *Config) MinutesPerYear() int64 { return c.minutesPerYear }

// Validate checks the structural invariants and computes derived lengths.
// Boundary tables must partition their cyclic domains: strictly increasing
// entries, all within range. A config that fails validation is a deployment
// error and the process should not start.
func (c *Config) Validate() error {
	if c.MinutesPerHour <= 0 {
		return fmt.Errorf("minutes_per_hour must be positive, got %d", c.MinutesPerHour)
	}
	if c.HoursPerDay <= 0 {
		return fmt.Errorf("hours_per_day must be positive, got %d", c.HoursPerDay)
	}
	if len(c.DaysPerMonth) == 0 {
		return fmt.Errorf("days_per_month is empty")
	}
	for i, days := range c.DaysPerMonth {
		if days <= 0 {
			return fmt.Errorf("month %d has %d days", i+1, days)
		}
	}

	if len(c.Seasons) == 0 {
		return fmt.Errorf("no seasons defined")
	}
	seen := map[string]bool{}
	for i, s := range c.Seasons {
		if s.Name == "" {
			return fmt.Errorf("season %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate season %q", s.Name)
		}
		seen[s.Name] = true
		if s.StartMonth < 1 || s.StartMonth > len(c.DaysPerMonth) {
			return fmt.Errorf("season %q starts in month %d of %d", s.Name, s.StartMonth, len(c.DaysPerMonth))
		}
		if s.StartDay < 1 || s.StartDay > c.DaysPerMonth[s.StartMonth-1] {
			return fmt.Errorf("season %q starts on day %d of month %d", s.Name, s.StartDay, s.StartMonth)
		}
		if i > 0 {
			prev := c.Seasons[i-1]
			if s.StartMonth < prev.StartMonth ||
				(s.StartMonth == prev.StartMonth && s.StartDay <= prev.StartDay) {
				return fmt.Errorf("season %q does not start after %q", s.Name, prev.Name)
			}
		}
	}

	if len(c.TimeBlocks) == 0 {
		return fmt.Errorf("no time blocks defined")
	}
	seen = map[string]bool{}
	for i, b := range c.TimeBlocks {
		if b.Name == "" {
			return fmt.Errorf("time block %d has no name", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate time block %q", b.Name)
		}
		seen[b.Name] = true
		if b.StartHour < 0 || b.StartHour >= c.HoursPerDay {
			return fmt.Errorf("time block %q starts at hour %d of %d", b.Name, b.StartHour, c.HoursPerDay)
		}
		if i > 0 && b.StartHour <= c.TimeBlocks[i-1].StartHour {
			return fmt.Errorf("time block %q does not start after %q", b.Name, c.TimeBlocks[i-1].Name)
		}
	}

	c.minutesPerDay = int64(c.MinutesPerHour) * int64(c.HoursPerDay)
	c.minutesPerYear = 0
	for _, days := range c.DaysPerMonth {
		c.minutesPerYear += int64(days) * c.minutesPerDay
	}
	return nil
}

// Contains reports whether a timestamp is representable under this calendar.
func (c *Config) Contains(t Timestamp) bool {
	if t.Year < 1 || t.Month < 1 || t.Month > len(c.DaysPerMonth) {
		return false
	}
	if t.Day < 1 || t.Day > c.DaysPerMonth[t.Month-1] {
		return false
	}
	if t.Hour < 0 || t.Hour >= c.HoursPerDay {
		return false
	}
	return t.Minute >= 0 && t.Minute < c.MinutesPerHour
}
