// Package dispatch hands expensive computations to a worker pool. Work runs
// out of band from world time: completing an item never advances the clock,
// and results are applied through an idempotency gate so retried or
// duplicated completions are safe no-ops.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/worldclock/internal/bus"
	"github.com/talgya/worldclock/internal/persistence"
)

// Status of a work item.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var (
	// ErrQueueFull means the submit queue is at capacity.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrUnknownHandle means no work item exists for the handle.
	ErrUnknownHandle = errors.New("dispatch: unknown handle")
)

// WorkFunc performs the computation. The context carries the per-attempt
// wall-clock budget; implementations should honor cancellation.
type WorkFunc func(ctx context.Context) (result string, err error)

// WorkItem is one unit of async computation. The idempotency key is a stable
// hash of the semantic request (for example region plus generation seed);
// two items with the same key apply at most one result between them.
type WorkItem struct {
	ID             string
	IdempotencyKey string
	Fn             WorkFunc
}

// Callback receives the applied result of a work item.
type Callback func(item WorkItem, result string)

// Config tunes the worker pool and retry policy.
type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int           // retry ceiling, inclusive of the first attempt
	AttemptBudget  time.Duration // wall-clock budget per attempt
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      1024,
		MaxAttempts:    3,
		AttemptBudget:  30 * time.Second,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

type item struct {
	work      WorkItem
	status    Status
	attempts  int
	result    string
	err       error
	cancelled bool
	applied   bool
	callbacks []Callback
}

// Dispatcher runs work items on a fixed pool with at-least-once semantics.
type Dispatcher struct {
	cfg Config
	db  *persistence.DB
	bus *bus.Bus

	queue    chan string
	queued   atomic.Int64
	inflight atomic.Int64

	mu    sync.Mutex
	items map[string]*item

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher and starts its workers.
func New(cfg Config, db *persistence.DB, b *bus.Bus) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:    cfg,
		db:     db,
		bus:    b,
		queue:  make(chan string, cfg.QueueSize),
		items:  make(map[string]*item),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Stop cancels in-flight attempts and waits for the workers to exit.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Submit enqueues a work item and returns its handle.
func (d *Dispatcher) Submit(w WorkItem) (string, error) {
	if w.Fn == nil {
		return "", fmt.Errorf("dispatch: work item has no function")
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.IdempotencyKey == "" {
		w.IdempotencyKey = w.ID
	}

	it := &item{work: w, status: StatusQueued}
	d.mu.Lock()
	if _, exists := d.items[w.ID]; exists {
		d.mu.Unlock()
		return "", fmt.Errorf("dispatch: duplicate work item id %s", w.ID)
	}
	d.items[w.ID] = it
	d.mu.Unlock()

	d.queued.Add(1)
	select {
	case d.queue <- w.ID:
	default:
		d.queued.Add(-1)
		d.mu.Lock()
		delete(d.items, w.ID)
		d.mu.Unlock()
		return "", ErrQueueFull
	}
	d.persist(it)

	slog.Debug("work submitted", "id", w.ID, "idem_key", w.IdempotencyKey)
	return w.ID, nil
}

// Status reports the current status of a work item.
func (d *Dispatcher) Status(handle string) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[handle]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return it.status, nil
}

// OnComplete registers a callback invoked with the item's result once it is
// applied. If the result was already applied the callback runs immediately.
// Callbacks never run for cancelled items or for duplicate completions whose
// idempotency key was already applied by another item.
func (d *Dispatcher) OnComplete(handle string, cb Callback) error {
	d.mu.Lock()
	it, ok := d.items[handle]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	if it.applied {
		work, result := it.work, it.result
		d.mu.Unlock()
		cb(work, result)
		return nil
	}
	it.callbacks = append(it.callbacks, cb)
	d.mu.Unlock()
	return nil
}

// Cancel marks a work item cancelled. A running attempt is not interrupted;
// cancellation only suppresses result application.
func (d *Dispatcher) Cancel(handle string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[handle]
	if !ok || it.status == StatusDone || it.status == StatusFailed {
		return false
	}
	it.cancelled = true
	return true
}

// QueueDepth reports how many items are waiting for a worker.
func (d *Dispatcher) QueueDepth() int64 { return d.queued.Load() }

// InFlight reports how many items are currently executing.
func (d *Dispatcher) InFlight() int64 { return d.inflight.Load() }

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case id := <-d.queue:
			d.queued.Add(-1)
			d.run(id)
		}
	}
}

func (d *Dispatcher) run(id string) {
	d.mu.Lock()
	it, ok := d.items[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	if it.cancelled {
		it.status = StatusCancelled
		d.mu.Unlock()
		d.persist(it)
		return
	}
	it.status = StatusRunning
	work := it.work
	d.mu.Unlock()

	d.inflight.Add(1)
	defer d.inflight.Add(-1)
	d.persist(it)

	backoff := d.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		d.mu.Lock()
		it.attempts = attempt
		d.mu.Unlock()

		result, err := d.attempt(work)
		if err == nil {
			d.complete(it, work, result)
			return
		}
		lastErr = err
		slog.Warn("work attempt failed",
			"id", work.ID, "attempt", attempt, "max", d.cfg.MaxAttempts, "error", err)

		if attempt < d.cfg.MaxAttempts {
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if d.cfg.MaxBackoff > 0 && backoff > d.cfg.MaxBackoff {
				backoff = d.cfg.MaxBackoff
			}
		}
	}

	d.fail(it, work, lastErr)
}

func (d *Dispatcher) attempt(work WorkItem) (string, error) {
	ctx := d.ctx
	if d.cfg.AttemptBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.AttemptBudget)
		defer cancel()
	}

	done := make(chan struct{})
	var result string
	var err error
	go func() {
		defer close(done)
		result, err = work.Fn(ctx)
	}()

	select {
	case <-done:
		return result, err
	case <-ctx.Done():
		// The attempt overran its budget. The goroutine is not interrupted,
		// but its eventual result is ignored.
		return "", fmt.Errorf("attempt budget exceeded: %w", ctx.Err())
	}
}

// complete applies a successful result through the idempotency gate and
// notifies callbacks exactly once per idempotency key. The item stays
// StatusRunning until the gate resolves; anyone who observes StatusDone can
// rely on the result and the applied flag being settled.
func (d *Dispatcher) complete(it *item, work WorkItem, result string) {
	d.mu.Lock()
	if it.cancelled {
		it.status = StatusCancelled
		d.mu.Unlock()
		d.persist(it)
		return
	}
	d.mu.Unlock()

	applied, err := d.db.MarkApplied(work.IdempotencyKey, result)
	if err != nil {
		slog.Error("idempotency record failed", "id", work.ID, "error", err)
		applied = false
	}

	var callbacks []Callback
	d.mu.Lock()
	if it.cancelled {
		it.status = StatusCancelled
		d.mu.Unlock()
		d.persist(it)
		return
	}
	it.status = StatusDone
	it.result = result
	it.applied = applied
	if applied {
		callbacks = it.callbacks
		it.callbacks = nil
	}
	d.mu.Unlock()
	d.persist(it)

	if !applied {
		slog.Debug("duplicate completion dropped", "id", work.ID, "idem_key", work.IdempotencyKey)
		return
	}
	for _, cb := range callbacks {
		cb(work, result)
	}
}

// fail marks the item permanently failed and routes the failure through the
// normal notification path so subsystems react uniformly.
func (d *Dispatcher) fail(it *item, work WorkItem, lastErr error) {
	errText := ""
	if lastErr != nil {
		errText = lastErr.Error()
	}

	d.mu.Lock()
	it.status = StatusFailed
	it.err = lastErr
	attempts := it.attempts
	d.mu.Unlock()
	d.persist(it)

	slog.Error("work permanently failed", "id", work.ID, "attempts", attempts, "error", errText)
	d.bus.Publish(bus.Notification{
		Kind:           bus.KindWorkFailed,
		WorkID:         work.ID,
		IdempotencyKey: work.IdempotencyKey,
		Attempts:       attempts,
		Err:            errText,
	})
}

func (d *Dispatcher) persist(it *item) {
	if d.db == nil {
		return
	}
	d.mu.Lock()
	row := persistence.WorkItemRow{
		ID:       it.work.ID,
		IdemKey:  it.work.IdempotencyKey,
		Status:   string(it.status),
		Attempts: it.attempts,
		Result:   it.result,
	}
	if it.err != nil {
		row.Error = it.err.Error()
	}
	d.mu.Unlock()

	if err := d.db.UpsertWorkItem(row); err != nil {
		slog.Error("work item persist failed", "id", row.ID, "error", err)
	}
}
