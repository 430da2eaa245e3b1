// Command timewarp advances a world clock database by a fixed number of
// minutes and prints every notification the advance produces. Useful for
// debugging trigger schedules without running the daemon.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/talgya/worldclock/internal/bus"
	"github.com/talgya/worldclock/internal/calendar"
	"github.com/talgya/worldclock/internal/clock"
	"github.com/talgya/worldclock/internal/persistence"
	"github.com/talgya/worldclock/internal/schedule"
)

func main() {
	dbPath := flag.String("db", "data/worldclock.db", "path to the world clock database")
	calendarPath := flag.String("calendar", "", "optional calendar YAML, defaults to the built-in calendar")
	minutes := flag.Int64("minutes", 60, "world minutes to advance")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	cal := calendar.Default()
	if *calendarPath != "" {
		loaded, err := calendar.Load(*calendarPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load calendar:", err)
			os.Exit(1)
		}
		cal = loaded
	}

	db, err := persistence.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open database:", err)
		os.Exit(1)
	}
	defer db.Close()

	start, ok, err := db.LoadTimestamp()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load timestamp:", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "no saved world time in", *dbPath)
		os.Exit(1)
	}

	b := bus.New()
	b.SubscribeAll(func(n bus.Notification) {
		switch n.Kind {
		case bus.KindCategoryChanged:
			fmt.Printf("%-18s %s: %s -> %s at %s\n",
				n.Kind, n.Category, n.Previous, n.Current, cal.Format(n.Timestamp))
		case bus.KindTriggerFired:
			fmt.Printf("%-18s id=%d owner=%s at %s\n",
				n.Kind, n.TriggerID, n.Owner, cal.Format(n.Timestamp))
		case bus.KindTimeProgressed:
			fmt.Printf("%-18s +%d min, now %s\n",
				n.Kind, n.Minutes, cal.Format(n.Timestamp))
		default:
			fmt.Printf("%-18s %+v\n", n.Kind, n)
		}
	})

	store := schedule.NewStore(cal, db)
	auth, err := clock.New(cal, store, b, start)
	if err != nil {
		fmt.Fprintln(os.Stderr, "initialize clock:", err)
		os.Exit(1)
	}

	fmt.Printf("advancing %d minutes from %s\n", *minutes, cal.Format(start))
	now, err := auth.Advance(*minutes)
	if err != nil {
		fmt.Fprintln(os.Stderr, "advance:", err)
		os.Exit(1)
	}
	fmt.Printf("world time is now %s\n", cal.Format(now))
}
