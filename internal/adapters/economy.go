package adapters

import (
	"log/slog"
	"sync"

	"github.com/talgya/worldclock/internal/bus"
	"github.com/talgya/worldclock/internal/calendar"
)

// Good identifies a tradable good in the reference economy.
type Good string

const (
	GoodGrain  Good = "grain"
	GoodFish   Good = "fish"
	GoodTimber Good = "timber"
	GoodHerbs  Good = "herbs"
	GoodFurs   Good = "furs"
)

var basePrices = map[Good]float64{
	GoodGrain:  2,
	GoodFish:   2,
	GoodTimber: 3,
	GoodHerbs:  5,
	GoodFurs:   6,
}

// SeasonalPriceMod returns a price modifier for a good in a season. Food is
// expensive in winter and cheap after harvest; furs peak in winter; herbs
// are abundant in summer.
func SeasonalPriceMod(season string, good Good) float64 {
	switch season {
	case "Winter":
		switch good {
		case GoodGrain, GoodFish:
			return 1.5
		case GoodFurs:
			return 1.8
		case GoodHerbs:
			return 1.4
		default:
			return 1.1
		}
	case "Spring":
		switch good {
		case GoodGrain, GoodFish:
			return 1.2
		case GoodHerbs:
			return 0.8
		default:
			return 1.0
		}
	case "Summer":
		switch good {
		case GoodHerbs:
			return 0.7
		case GoodFurs:
			return 0.7
		default:
			return 0.9
		}
	case "Autumn":
		switch good {
		case GoodGrain:
			return 0.7
		case GoodFish:
			return 0.8
		case GoodHerbs:
			return 0.9
		default:
			return 1.0
		}
	}
	return 1.0
}

// Economy recomputes prices once per elapsed world hour, applying seasonal
// modifiers and a storm markup from the weather adapter. Price reads are
// cheap and concurrent; the hourly pass runs synchronously on the bus.
type Economy struct {
	cfg     *calendar.Config
	weather *Weather

	mu             sync.RWMutex
	prices         map[Good]float64
	pendingMinutes int64
	resolutions    int
}

// NewEconomy creates the adapter and subscribes it to time progression.
func NewEconomy(cfg *calendar.Config, w *Weather, b *bus.Bus) *Economy {
	e := &Economy{
		cfg:     cfg,
		weather: w,
		prices:  make(map[Good]float64, len(basePrices)),
	}
	for good, base := range basePrices {
		e.prices[good] = base
	}

	b.Subscribe(bus.KindTimeProgressed, func(n bus.Notification) {
		e.onTimeProgressed(n)
	})
	return e
}

func (e *Economy) onTimeProgressed(n bus.Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pendingMinutes += n.Minutes
	perHour := int64(e.cfg.MinutesPerHour)
	if e.pendingMinutes < perHour {
		return
	}
	hours := e.pendingMinutes / perHour
	e.pendingMinutes %= perHour

	season := e.cfg.SeasonAt(n.Timestamp).Name
	storm := e.weather != nil && e.weather.At(n.Timestamp).Sky == "storm"

	for good, base := range basePrices {
		price := base * SeasonalPriceMod(season, good)
		if storm {
			// Storms disrupt fishing and logging.
			if good == GoodFish || good == GoodTimber {
				price *= 1.3
			}
		}
		e.prices[good] = price
	}
	e.resolutions += int(hours)

	slog.Debug("market resolved", "season", season, "storm", storm, "hours", hours)
}

// PriceOf returns the current price of a good.
func (e *Economy) PriceOf(good Good) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.prices[good]
}

// Resolutions reports how many hourly market passes have run.
func (e *Economy) Resolutions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.resolutions
}
