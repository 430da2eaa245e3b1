package adapters

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/talgya/worldclock/internal/bus"
	"github.com/talgya/worldclock/internal/cache"
	"github.com/talgya/worldclock/internal/calendar"
	"github.com/talgya/worldclock/internal/clock"
	"github.com/talgya/worldclock/internal/dispatch"
	"github.com/talgya/worldclock/internal/persistence"
	"github.com/talgya/worldclock/internal/schedule"
)

type world struct {
	cfg   *calendar.Config
	db    *persistence.DB
	bus   *bus.Bus
	store *schedule.Store
	auth  *clock.Authority
	cache *cache.Cache
	disp  *dispatch.Dispatcher
}

func newWorld(t *testing.T, start calendar.Timestamp) *world {
	t.Helper()
	cfg := calendar.Default()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "world.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b := bus.New()
	store := schedule.NewStore(cfg, db)
	auth, err := clock.New(cfg, store, b, start)
	require.NoError(t, err)

	disp := dispatch.New(dispatch.Config{
		Workers:        2,
		QueueSize:      64,
		MaxAttempts:    2,
		AttemptBudget:  time.Second,
		InitialBackoff: time.Millisecond,
	}, db, b)
	t.Cleanup(disp.Stop)

	return &world{
		cfg:   cfg,
		db:    db,
		bus:   b,
		store: store,
		auth:  auth,
		cache: cache.New(b),
		disp:  disp,
	}
}

func TestEffectExpiresOnExactCrossing(t *testing.T) {
	w := newWorld(t, calendar.Timestamp{Year: 1, Month: 4, Day: 1, Hour: 8})
	effects := NewEffects(w.cfg, w.auth, w.store, w.bus)

	_, err := effects.Apply("haste", 90)
	require.NoError(t, err)
	require.Equal(t, []string{"haste"}, effects.Active())

	for i := 0; i < 2; i++ {
		_, err := w.auth.Advance(30)
		require.NoError(t, err)
		require.Len(t, effects.Active(), 1, "effect expired early on advance %d", i+1)
	}

	_, err = w.auth.Advance(30)
	require.NoError(t, err)
	require.Empty(t, effects.Active())
}

func TestDispelCancelsExpiry(t *testing.T) {
	w := newWorld(t, calendar.Timestamp{Year: 1, Month: 4, Day: 1})
	effects := NewEffects(w.cfg, w.auth, w.store, w.bus)

	id, err := effects.Apply("shield", 60)
	require.NoError(t, err)
	require.True(t, effects.Dispel(id))
	require.False(t, effects.Dispel(id), "double dispel must report failure")

	fired := 0
	w.bus.Subscribe(bus.KindTriggerFired, func(bus.Notification) { fired++ })
	_, err = w.auth.Advance(120)
	require.NoError(t, err)
	require.Zero(t, fired, "dispelled effect's trigger must not fire")
}

func TestEffectRejectsNonPositiveDuration(t *testing.T) {
	w := newWorld(t, calendar.Timestamp{Year: 1, Month: 4, Day: 1})
	effects := NewEffects(w.cfg, w.auth, w.store, w.bus)

	_, err := effects.Apply("broken", 0)
	require.Error(t, err)
}

func TestWeatherIsDeterministic(t *testing.T) {
	w := newWorld(t, calendar.Timestamp{Year: 1, Month: 4, Day: 1})
	weather, err := NewWeather(42, w.cfg, w.auth, w.bus, w.cache, w.store)
	require.NoError(t, err)

	ts := calendar.Timestamp{Year: 1, Month: 7, Day: 15, Hour: 14}
	first := weather.At(ts)
	require.Equal(t, first, weather.At(ts))
	require.Equal(t, "Summer", first.Season)
	require.NotEmpty(t, first.Sky)
}

func TestWeatherCurrentUsesCache(t *testing.T) {
	w := newWorld(t, calendar.Timestamp{Year: 1, Month: 4, Day: 1})
	weather, err := NewWeather(7, w.cfg, w.auth, w.bus, w.cache, w.store)
	require.NoError(t, err)

	misses := w.cache.Misses()
	weather.Current() // miss, then populate
	weather.Current() // hit
	require.Equal(t, misses+1, w.cache.Misses())
	require.GreaterOrEqual(t, w.cache.Hits(), int64(1))
}

func TestWeatherRegeneratesOnSeasonChange(t *testing.T) {
	// Last minute of Spring: month 6 day 1 starts Summer.
	w := newWorld(t, calendar.Timestamp{Year: 1, Month: 5, Day: 30, Hour: 23, Minute: 0})
	_, err := NewWeather(7, w.cfg, w.auth, w.bus, w.cache, w.store)
	require.NoError(t, err)

	_, err = w.auth.Advance(120)
	require.NoError(t, err)

	v, ok := w.cache.Get(cacheKeyWeather)
	require.True(t, ok, "season change must repopulate the weather cache")
	require.Equal(t, "Summer", v.(Conditions).Season)
}

func TestWeatherAdoptsFrontTriggerAfterUncleanRestart(t *testing.T) {
	w := newWorld(t, calendar.Timestamp{Year: 1, Month: 4, Day: 1})

	first, err := NewWeather(7, w.cfg, w.auth, w.bus, w.cache, w.store)
	require.NoError(t, err)
	require.Equal(t, 1, w.store.PendingCount())

	// A crash never calls Stop, so the recurring front survives in the
	// store. A second construction must adopt it, not add another.
	second, err := NewWeather(7, w.cfg, w.auth, w.bus, w.cache, w.store)
	require.NoError(t, err)
	require.Equal(t, 1, w.store.PendingCount())
	require.Equal(t, first.frontTrigger, second.frontTrigger)
}

func TestEconomyResolvesPerElapsedHour(t *testing.T) {
	// Mid-winter so the seasonal modifier is unambiguous.
	w := newWorld(t, calendar.Timestamp{Year: 1, Month: 1, Day: 10, Hour: 8})
	economy := NewEconomy(w.cfg, nil, w.bus)

	require.Equal(t, basePrices[GoodGrain], economy.PriceOf(GoodGrain))

	_, err := w.auth.Advance(30)
	require.NoError(t, err)
	require.Zero(t, economy.Resolutions(), "half an hour must not resolve the market")

	_, err = w.auth.Advance(30)
	require.NoError(t, err)
	require.Equal(t, 1, economy.Resolutions())

	// Winter grain: base 2 * 1.5.
	require.InDelta(t, 3.0, economy.PriceOf(GoodGrain), 1e-9)

	_, err = w.auth.Advance(180)
	require.NoError(t, err)
	require.Equal(t, 4, economy.Resolutions())
}

func TestSeasonalPriceModTable(t *testing.T) {
	require.Equal(t, 1.8, SeasonalPriceMod("Winter", GoodFurs))
	require.Equal(t, 0.7, SeasonalPriceMod("Autumn", GoodGrain))
	require.Equal(t, 0.7, SeasonalPriceMod("Summer", GoodHerbs))
	require.Equal(t, 1.0, SeasonalPriceMod("Unknown", GoodGrain))
}

func TestSurveyRevealsAfterTravelTime(t *testing.T) {
	w := newWorld(t, calendar.Timestamp{Year: 1, Month: 4, Day: 1, Hour: 8})
	explorer := NewExplorer(w.cfg, w.auth, w.store, w.disp, w.bus)

	pending := w.store.PendingCount()
	handle, err := explorer.Survey("northreach", 42, 60)
	require.NoError(t, err)

	// Generation runs on the worker pool; the reveal trigger appears once
	// the result is applied.
	require.Eventually(t, func() bool {
		return w.store.PendingCount() == pending+1
	}, 5*time.Second, 5*time.Millisecond)

	status, err := w.disp.Status(handle)
	require.NoError(t, err)
	require.Equal(t, dispatch.StatusDone, status)

	_, ok := explorer.Revealed("northreach")
	require.False(t, ok, "region visible before the travel delay elapsed")

	_, err = w.auth.Advance(60)
	require.NoError(t, err)

	pois, ok := explorer.Revealed("northreach")
	require.True(t, ok, "reveal trigger should have fired")
	require.Equal(t, pois, mustGenerate(t, "northreach", 42), "reveal must match deterministic generation")
}

func TestDuplicateSurveySchedulesOneReveal(t *testing.T) {
	w := newWorld(t, calendar.Timestamp{Year: 1, Month: 4, Day: 1})
	explorer := NewExplorer(w.cfg, w.auth, w.store, w.disp, w.bus)

	pending := w.store.PendingCount()
	h1, err := explorer.Survey("eastmarsh", 9, 30)
	require.NoError(t, err)
	h2, err := explorer.Survey("eastmarsh", 9, 30)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s1, _ := w.disp.Status(h1)
		s2, _ := w.disp.Status(h2)
		return s1 == dispatch.StatusDone && s2 == dispatch.StatusDone
	}, 5*time.Second, 5*time.Millisecond)

	require.Equal(t, pending+1, w.store.PendingCount(),
		"duplicate survey must not schedule a second reveal")
}

func mustGenerate(t *testing.T, region string, seed int64) []POI {
	t.Helper()
	raw, err := generateRegion(t.Context(), region, seed)
	require.NoError(t, err)
	var p revealPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return p.POIs
}
