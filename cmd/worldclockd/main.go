// Command worldclockd runs the world clock daemon: it drives the clock
// authority on a wall-time ticker and serves the HTTP status API.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/talgya/worldclock/internal/adapters"
	"github.com/talgya/worldclock/internal/api"
	"github.com/talgya/worldclock/internal/bus"
	"github.com/talgya/worldclock/internal/cache"
	"github.com/talgya/worldclock/internal/calendar"
	"github.com/talgya/worldclock/internal/clock"
	"github.com/talgya/worldclock/internal/dispatch"
	"github.com/talgya/worldclock/internal/journal"
	"github.com/talgya/worldclock/internal/persistence"
	"github.com/talgya/worldclock/internal/schedule"
)

type config struct {
	DBPath         string        `env:"WORLDCLOCK_DB" envDefault:"data/worldclock.db"`
	CalendarPath   string        `env:"WORLDCLOCK_CALENDAR"`
	Listen         string        `env:"WORLDCLOCK_LISTEN" envDefault:":8080"`
	TickInterval   time.Duration `env:"WORLDCLOCK_TICK_INTERVAL" envDefault:"1s"`
	MinutesPerTick int64         `env:"WORLDCLOCK_MINUTES_PER_TICK" envDefault:"1"`
	JournalDir     string        `env:"WORLDCLOCK_JOURNAL_DIR" envDefault:"data/journal"`
	WeatherSeed    int64         `env:"WORLDCLOCK_WEATHER_SEED" envDefault:"42"`
	LogLevel       slog.Level    `env:"WORLDCLOCK_LOG_LEVEL" envDefault:"info"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	// ── Calendar ─────────────────────────────────────────────────────
	cal := calendar.Default()
	if cfg.CalendarPath != "" {
		loaded, err := calendar.Load(cfg.CalendarPath)
		if err != nil {
			slog.Error("failed to load calendar", "path", cfg.CalendarPath, "error", err)
			os.Exit(1)
		}
		cal = loaded
		slog.Info("calendar loaded", "path", cfg.CalendarPath)
	}

	// ── Database ─────────────────────────────────────────────────────
	os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	// ── Load or Initialize World Time ────────────────────────────────
	start := calendar.Timestamp{Year: 1, Month: 3, Day: 1, Hour: 6}
	if saved, ok, err := db.LoadTimestamp(); err != nil {
		slog.Error("failed to load timestamp", "error", err)
		os.Exit(1)
	} else if ok {
		start = saved
		slog.Info("world time restored", "time", cal.Format(start))
	} else {
		slog.Info("no saved time, starting fresh", "time", cal.Format(start))
	}

	// ── Core ─────────────────────────────────────────────────────────
	b := bus.New()
	store := schedule.NewStore(cal, db)

	auth, err := clock.New(cal, store, b, start)
	if err != nil {
		slog.Error("failed to initialize clock", "error", err)
		os.Exit(1)
	}

	disp := dispatch.New(dispatch.DefaultConfig(), db, b)
	defer disp.Stop()

	worldCache := cache.New(b)

	// ── Journal ──────────────────────────────────────────────────────
	os.MkdirAll(cfg.JournalDir, 0755)
	jw := journal.NewWriter(cfg.JournalDir, "notifications")
	jw.Attach(b)
	defer jw.Close()

	// ── Adapters ─────────────────────────────────────────────────────
	weather, err := adapters.NewWeather(cfg.WeatherSeed, cal, auth, b, worldCache, store)
	if err != nil {
		slog.Error("failed to start weather", "error", err)
		os.Exit(1)
	}
	defer weather.Stop()
	adapters.NewEconomy(cal, weather, b)
	adapters.NewEffects(cal, auth, store, b)
	adapters.NewExplorer(cal, auth, store, disp, b)

	// ── HTTP API ─────────────────────────────────────────────────────
	apiServer := &api.Server{
		Cfg:   cal,
		Auth:  auth,
		Store: store,
		Disp:  disp,
		Cache: worldCache,
		Bus:   b,
		Addr:  cfg.Listen,
	}
	apiServer.Start()

	// ── Run ──────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("world clock running",
		"time", cal.Format(auth.Current()),
		"tick_interval", cfg.TickInterval,
		"minutes_per_tick", cfg.MinutesPerTick,
	)

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := auth.Advance(cfg.MinutesPerTick); err != nil {
				slog.Error("advance failed", "error", err)
			}
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			slog.Info("world time saved", "time", cal.Format(auth.Current()))
			return
		}
	}
}
