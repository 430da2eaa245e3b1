// Package adapters holds the reference subsystem adapters that consume the
// core's notification contract: weather, economy, timed effects, and async
// point-of-interest generation. Each one reacts to bus notifications and
// reaches back into the core only through its public API.
package adapters

import (
	"fmt"
	"log/slog"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/worldclock/internal/bus"
	"github.com/talgya/worldclock/internal/cache"
	"github.com/talgya/worldclock/internal/calendar"
	"github.com/talgya/worldclock/internal/clock"
	"github.com/talgya/worldclock/internal/schedule"
)

const weatherOwner = "weather"

// weatherFrontHours is how often the recurring front trigger re-rolls
// conditions between season changes.
const weatherFrontHours = 6

// Conditions describes the current weather pattern.
type Conditions struct {
	Sky      string  `json:"sky"` // clear | overcast | rain | snow | storm
	Severity float64 `json:"severity"`
	Season   string  `json:"season"`
}

// Weather derives deterministic conditions from world time using simplex
// noise, refreshed by a recurring front trigger and on every season change.
type Weather struct {
	noise opensimplex.Noise
	cfg   *calendar.Config
	auth  *clock.Authority
	cache *cache.Cache
	store *schedule.Store

	frontTrigger int64
}

// NewWeather creates the adapter and wires its subscriptions.
func NewWeather(seed int64, cfg *calendar.Config, auth *clock.Authority, b *bus.Bus, c *cache.Cache, store *schedule.Store) (*Weather, error) {
	w := &Weather{
		noise: opensimplex.NewNormalized(seed),
		cfg:   cfg,
		auth:  auth,
		cache: c,
		store: store,
	}

	// Recurring front: re-roll conditions every few hours. An unclean
	// shutdown never cancels the trigger, so adopt a survivor from the
	// durable store before scheduling a fresh one.
	existing, err := store.FindByOwner(weatherOwner)
	if err != nil {
		return nil, fmt.Errorf("look up weather front: %w", err)
	}
	if existing != nil {
		w.frontTrigger = existing.ID
	} else {
		now := auth.Current()
		interval := int64(weatherFrontHours) * int64(cfg.MinutesPerHour)
		id, err := store.Schedule(cfg.Add(now, interval), "front", weatherOwner, interval)
		if err != nil {
			return nil, fmt.Errorf("schedule weather front: %w", err)
		}
		w.frontTrigger = id
	}

	b.Subscribe(bus.KindCategoryChanged, func(n bus.Notification) {
		if n.Category != bus.CategorySeason {
			return
		}
		cond := w.At(n.Timestamp)
		w.cache.Put(cacheKeyWeather, cond, cache.ScopeUntilCategoryChange)
		slog.Info("weather pattern regenerated",
			"season", n.Current, "sky", cond.Sky, "severity", fmt.Sprintf("%.2f", cond.Severity))
	})
	b.Subscribe(bus.KindTriggerFired, func(n bus.Notification) {
		if n.Owner != weatherOwner {
			return
		}
		w.cache.Put(cacheKeyWeather, w.At(n.Timestamp), cache.ScopeUntilCategoryChange)
	})

	return w, nil
}

const cacheKeyWeather = "weather:current"

// Current returns conditions for the present world time, served from the
// cache when a front or season handler already computed them.
func (w *Weather) Current() Conditions {
	if v, ok := w.cache.Get(cacheKeyWeather); ok {
		if cond, ok := v.(Conditions); ok {
			return cond
		}
	}
	cond := w.At(w.auth.Current())
	w.cache.Put(cacheKeyWeather, cond, cache.ScopeUntilCategoryChange)
	return cond
}

// At computes conditions for an arbitrary timestamp. Deterministic: the same
// timestamp and seed always yield the same weather.
func (w *Weather) At(ts calendar.Timestamp) Conditions {
	season := w.cfg.SeasonAt(ts)

	// Sample noise on a day/front grid so conditions hold steady within a
	// front window instead of flickering per minute.
	abs := w.cfg.Abs(ts)
	front := abs / (int64(weatherFrontHours) * int64(w.cfg.MinutesPerHour))
	day := abs / w.cfg.MinutesPerDay()
	severity := w.noise.Eval2(float64(front)*0.13, float64(day)*0.31)

	cond := Conditions{Severity: severity, Season: season.Name}
	switch {
	case severity > 0.85:
		cond.Sky = "storm"
	case severity > 0.6:
		if season.Name == "Winter" {
			cond.Sky = "snow"
		} else {
			cond.Sky = "rain"
		}
	case severity > 0.4:
		cond.Sky = "overcast"
	default:
		cond.Sky = "clear"
	}
	return cond
}

// Stop cancels the recurring front trigger.
func (w *Weather) Stop() {
	if !w.store.Cancel(w.frontTrigger) {
		slog.Debug("weather front trigger already gone", "id", w.frontTrigger)
	}
}
