package adapters

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/talgya/worldclock/internal/bus"
	"github.com/talgya/worldclock/internal/calendar"
	"github.com/talgya/worldclock/internal/clock"
	"github.com/talgya/worldclock/internal/schedule"
)

const effectsOwner = "effects"

// Effects tracks timed effects (buffs, enchantments, curses). Applying an
// effect schedules a one-shot expiry trigger; expiry must observe every
// transition exactly once, so it runs synchronously on the bus rather than
// through the dispatcher.
type Effects struct {
	cfg   *calendar.Config
	auth  *clock.Authority
	store *schedule.Store

	mu     sync.RWMutex
	active map[int64]string // expiry trigger id -> effect name
}

// NewEffects creates the adapter and subscribes it to trigger firings.
func NewEffects(cfg *calendar.Config, auth *clock.Authority, store *schedule.Store, b *bus.Bus) *Effects {
	e := &Effects{
		cfg:    cfg,
		auth:   auth,
		store:  store,
		active: make(map[int64]string),
	}
	b.Subscribe(bus.KindTriggerFired, func(n bus.Notification) {
		if n.Owner != effectsOwner {
			return
		}
		e.expire(n.TriggerID, n.Payload, n.Timestamp)
	})
	return e
}

// Apply activates a named effect for the given number of world minutes and
// returns the expiry trigger id.
func (e *Effects) Apply(name string, durationMinutes int64) (int64, error) {
	if durationMinutes <= 0 {
		return 0, fmt.Errorf("effects: duration must be positive, got %d", durationMinutes)
	}

	expiry := e.cfg.Add(e.auth.Current(), durationMinutes)
	id, err := e.store.Schedule(expiry, name, effectsOwner, 0)
	if err != nil {
		return 0, fmt.Errorf("schedule expiry for %q: %w", name, err)
	}

	e.mu.Lock()
	e.active[id] = name
	e.mu.Unlock()

	slog.Debug("effect applied", "name", name, "expires", expiry, "trigger", id)
	return id, nil
}

// Dispel removes an effect before its natural expiry. Returns false when the
// effect is unknown or already expired.
func (e *Effects) Dispel(id int64) bool {
	e.mu.Lock()
	_, known := e.active[id]
	delete(e.active, id)
	e.mu.Unlock()

	if !known {
		return false
	}
	// The trigger may have fired concurrently; a failed cancel is fine, the
	// expire handler already cleaned up.
	e.store.Cancel(id)
	return true
}

// Active returns the names of all currently active effects.
func (e *Effects) Active() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.active))
	for _, name := range e.active {
		names = append(names, name)
	}
	return names
}

func (e *Effects) expire(id int64, name string, at calendar.Timestamp) {
	e.mu.Lock()
	_, known := e.active[id]
	delete(e.active, id)
	e.mu.Unlock()

	if known {
		slog.Info("effect expired", "name", name, "at", at)
	}
}
