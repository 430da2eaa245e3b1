// Package schedule provides the durable registry of future triggers. The
// store exclusively owns trigger records; subsystems hold only ids.
package schedule

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/talgya/worldclock/internal/calendar"
	"github.com/talgya/worldclock/internal/persistence"
)

var (
	// ErrUnreachable means the target timestamp is not representable under
	// the calendar (month 13, hour 25, and so on).
	ErrUnreachable = errors.New("schedule: target unreachable under calendar")

	// ErrBadRecurrence means a negative recurrence interval was given.
	ErrBadRecurrence = errors.New("schedule: recurrence must not be negative")
)

// Trigger is a scheduled trigger as reported by the store.
type Trigger = persistence.Trigger

// Store is the scheduled event store. Reads and writes go straight to the
// database; SQLite serializes writers. The clock authority consumes triggers
// through ConsumeDue on every advance.
type Store struct {
	cfg *calendar.Config
	db  *persistence.DB
}

// NewStore creates a store over the given database.
func NewStore(cfg *calendar.Config, db *persistence.DB) *Store {
	return &Store{cfg: cfg, db: db}
}

// Schedule registers a trigger and returns its id. Targets in the past are
// accepted and fire on the next advance. A recurrence of 0 means one-shot.
func (s *Store) Schedule(target calendar.Timestamp, payload, owner string, recurrence int64) (int64, error) {
	if !s.cfg.Contains(target) {
		return 0, fmt.Errorf("%w: %v", ErrUnreachable, target)
	}
	if recurrence < 0 {
		return 0, fmt.Errorf("%w: %d", ErrBadRecurrence, recurrence)
	}

	t := persistence.Trigger{
		TargetAbs:  s.cfg.Abs(target),
		Target:     target,
		Payload:    payload,
		Owner:      owner,
		Recurrence: recurrence,
	}
	if err := s.db.InsertTrigger(&t); err != nil {
		return 0, err
	}

	slog.Debug("trigger scheduled",
		"id", t.ID, "target", target, "owner", owner, "recurrence", recurrence)
	return t.ID, nil
}

// Cancel removes a pending trigger. Returns false for unknown ids and for
// one-shot triggers that already fired; that is a no-op, not an error.
func (s *Store) Cancel(id int64) bool {
	ok, err := s.db.DeleteTrigger(id)
	if err != nil {
		slog.Error("trigger cancel failed", "id", id, "error", err)
		return false
	}
	return ok
}

// Due reports every trigger whose target is at or before asOf, ordered by
// (target, id). One-shot triggers are consumed and recurring triggers are
// re-targeted one interval forward in the same transaction, so no trigger is
// reported twice for the same crossing.
func (s *Store) Due(asOf calendar.Timestamp) ([]Trigger, error) {
	return s.db.CollectDue(s.cfg.Abs(asOf), s.cfg)
}

// ConsumeDue persists the new timestamp and consumes every trigger due at or
// before it in one transaction, reported in (target, id) order. Called by the
// clock authority on every advance: a failed transaction leaves both the
// timestamp and the triggers untouched.
func (s *Store) ConsumeDue(next calendar.Timestamp) ([]Trigger, error) {
	return s.db.AdvanceState(next, s.cfg)
}

// PendingCount reports how many triggers are waiting, for the status surface.
func (s *Store) PendingCount() int {
	n, err := s.db.PendingTriggerCount()
	if err != nil {
		slog.Error("pending trigger count failed", "error", err)
		return 0
	}
	return n
}

// Pending returns all waiting triggers in firing order.
func (s *Store) Pending() ([]Trigger, error) {
	return s.db.PendingTriggers(s.cfg)
}

// FindByOwner returns the owner's earliest pending trigger, or nil when the
// owner has none scheduled.
func (s *Store) FindByOwner(owner string) (*Trigger, error) {
	return s.db.TriggerByOwner(owner, s.cfg)
}
