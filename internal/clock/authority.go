// Package clock owns the single monotonic world-time value. All advances are
// serialized through one Authority; reads never block behind an advance.
package clock

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/talgya/worldclock/internal/bus"
	"github.com/talgya/worldclock/internal/calendar"
	"github.com/talgya/worldclock/internal/schedule"
)

var (
	// ErrReentrantAdvance means Advance was called from inside a
	// notification handler. The offending call never executes.
	ErrReentrantAdvance = errors.New("clock: advance called from notification handler")

	// ErrNonPositiveMinutes means Advance was called with minutes <= 0.
	ErrNonPositiveMinutes = errors.New("clock: minutes must be positive")
)

// Authority is the single writer of world time. Concurrent Advance callers
// queue behind a mutex; concurrent readers go through an RWMutex that is
// held only for the state swap, never for the publish pass.
type Authority struct {
	cfg   *calendar.Config
	store *schedule.Store
	bus   *bus.Bus

	advanceMu sync.Mutex

	// Goroutine id of an in-flight publish pass, 0 when idle. Lets us
	// reject a handler calling Advance (which would otherwise deadlock on
	// advanceMu) while still queueing advances from other goroutines.
	publishingGID atomic.Uint64

	stateMu sync.RWMutex
	current calendar.Timestamp
}

// New creates an authority starting at the given timestamp. The caller is
// expected to have restored the timestamp from persistence when one exists.
func New(cfg *calendar.Config, store *schedule.Store, b *bus.Bus, start calendar.Timestamp) (*Authority, error) {
	if !cfg.Contains(start) {
		return nil, fmt.Errorf("clock: start %v unreachable under calendar", start)
	}
	return &Authority{cfg: cfg, store: store, bus: b, current: start}, nil
}

// Current returns the current world timestamp.
func (a *Authority) Current() calendar.Timestamp {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.current
}

// Season returns the season containing the current timestamp.
func (a *Authority) Season() calendar.Season {
	return a.cfg.SeasonAt(a.Current())
}

// TimeBlock returns the time-of-day block containing the current timestamp.
func (a *Authority) TimeBlock() calendar.TimeBlock {
	return a.cfg.TimeBlockAt(a.Current())
}

// MinutesUntil scans forward from the current timestamp to the next one
// satisfying the predicate. Pure read; never mutates state.
func (a *Authority) MinutesUntil(pred calendar.Predicate) (int64, error) {
	return a.cfg.MinutesUntil(a.Current(), pred)
}

// Advance moves world time forward by the given number of minutes and
// publishes the resulting notifications in fixed order: season change, then
// time-block change, then due triggers by (target, id), then exactly one
// time-progressed summary. The new timestamp and consumed triggers are
// persisted atomically before the first notification goes out; if
// persistence fails the call fails entirely and nothing is published.
func (a *Authority) Advance(minutes int64) (calendar.Timestamp, error) {
	if minutes <= 0 {
		return calendar.Timestamp{}, fmt.Errorf("%w: %d", ErrNonPositiveMinutes, minutes)
	}
	if a.publishingGID.Load() == goid() {
		return calendar.Timestamp{}, ErrReentrantAdvance
	}

	a.advanceMu.Lock()
	defer a.advanceMu.Unlock()

	prev := a.Current()
	next := a.cfg.Add(prev, minutes)

	prevSeason, nextSeason := a.cfg.SeasonAt(prev), a.cfg.SeasonAt(next)
	prevBlock, nextBlock := a.cfg.TimeBlockAt(prev), a.cfg.TimeBlockAt(next)

	due, err := a.store.ConsumeDue(next)
	if err != nil {
		return calendar.Timestamp{}, fmt.Errorf("advance persist: %w", err)
	}

	a.stateMu.Lock()
	a.current = next
	a.stateMu.Unlock()

	a.publishingGID.Store(goid())
	defer a.publishingGID.Store(0)

	if prevSeason.Name != nextSeason.Name {
		a.bus.Publish(bus.Notification{
			Kind:      bus.KindCategoryChanged,
			Timestamp: next,
			Category:  bus.CategorySeason,
			Previous:  prevSeason.Name,
			Current:   nextSeason.Name,
		})
	}
	if prevBlock.Name != nextBlock.Name {
		a.bus.Publish(bus.Notification{
			Kind:      bus.KindCategoryChanged,
			Timestamp: next,
			Category:  bus.CategoryTimeBlock,
			Previous:  prevBlock.Name,
			Current:   nextBlock.Name,
		})
	}
	for _, t := range due {
		a.bus.Publish(bus.Notification{
			Kind:      bus.KindTriggerFired,
			Timestamp: t.Target,
			TriggerID: t.ID,
			Payload:   t.Payload,
			Owner:     t.Owner,
		})
	}
	a.bus.Publish(bus.Notification{
		Kind:      bus.KindTimeProgressed,
		Timestamp: next,
		Minutes:   minutes,
		From:      prev,
	})

	slog.Debug("world time advanced",
		"minutes", minutes, "from", prev, "to", next, "triggers_fired", len(due))
	return next, nil
}
