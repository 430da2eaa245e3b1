package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/talgya/worldclock/internal/bus"
	"github.com/talgya/worldclock/internal/persistence"
)

func testConfig() Config {
	return Config{
		Workers:        2,
		QueueSize:      64,
		MaxAttempts:    3,
		AttemptBudget:  time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *bus.Bus) {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "work.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b := bus.New()
	d := New(cfg, db, b)
	t.Cleanup(d.Stop)
	return d, b
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return ""
	}
}

func TestSubmitAndComplete(t *testing.T) {
	d, _ := newTestDispatcher(t, testConfig())

	done := make(chan string, 1)
	handle, err := d.Submit(WorkItem{
		IdempotencyKey: "poi:region-7:seed-42",
		Fn:             func(context.Context) (string, error) { return "ruins", nil },
	})
	require.NoError(t, err)
	require.NoError(t, d.OnComplete(handle, func(_ WorkItem, result string) { done <- result }))

	require.Equal(t, "ruins", waitFor(t, done))

	status, err := d.Status(handle)
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
}

func TestDuplicateIdempotencyKeyAppliesOnce(t *testing.T) {
	d, _ := newTestDispatcher(t, testConfig())

	var applications atomic.Int64
	done := make(chan string, 2)
	fn := func(context.Context) (string, error) { return "generated", nil }

	h1, err := d.Submit(WorkItem{IdempotencyKey: "same-key", Fn: fn})
	require.NoError(t, err)
	h2, err := d.Submit(WorkItem{IdempotencyKey: "same-key", Fn: fn})
	require.NoError(t, err)

	cb := func(_ WorkItem, result string) {
		applications.Add(1)
		done <- result
	}
	require.NoError(t, d.OnComplete(h1, cb))
	require.NoError(t, d.OnComplete(h2, cb))

	waitFor(t, done)

	// Both items finish, but only one result is ever applied.
	require.Eventually(t, func() bool {
		s1, _ := d.Status(h1)
		s2, _ := d.Status(h2)
		return s1 == StatusDone && s2 == StatusDone
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), applications.Load())
}

func TestRetryThenSuccess(t *testing.T) {
	d, _ := newTestDispatcher(t, testConfig())

	var calls atomic.Int64
	done := make(chan string, 1)
	handle, err := d.Submit(WorkItem{
		IdempotencyKey: "flaky",
		Fn: func(context.Context) (string, error) {
			if calls.Add(1) < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, d.OnComplete(handle, func(_ WorkItem, result string) { done <- result }))

	require.Equal(t, "ok", waitFor(t, done))
	require.Equal(t, int64(3), calls.Load())
}

func TestPermanentFailureNotifiesBus(t *testing.T) {
	d, b := newTestDispatcher(t, testConfig())

	failures := make(chan bus.Notification, 1)
	b.Subscribe(bus.KindWorkFailed, func(n bus.Notification) { failures <- n })

	handle, err := d.Submit(WorkItem{
		IdempotencyKey: "doomed",
		Fn:             func(context.Context) (string, error) { return "", errors.New("broken") },
	})
	require.NoError(t, err)

	select {
	case n := <-failures:
		require.Equal(t, handle, n.WorkID)
		require.Equal(t, "doomed", n.IdempotencyKey)
		require.Equal(t, 3, n.Attempts)
		require.Contains(t, n.Err, "broken")
	case <-time.After(5 * time.Second):
		t.Fatal("no failure notification")
	}

	status, err := d.Status(handle)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)
}

func TestAttemptBudgetEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.AttemptBudget = 10 * time.Millisecond
	d, b := newTestDispatcher(t, cfg)

	failures := make(chan bus.Notification, 1)
	b.Subscribe(bus.KindWorkFailed, func(n bus.Notification) { failures <- n })

	_, err := d.Submit(WorkItem{
		IdempotencyKey: "slow",
		Fn: func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	require.NoError(t, err)

	select {
	case n := <-failures:
		require.Contains(t, n.Err, "budget exceeded")
	case <-time.After(5 * time.Second):
		t.Fatal("no failure notification for overrunning work")
	}
}

func TestCancelSuppressesApplication(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	d, _ := newTestDispatcher(t, cfg)

	// Occupy the single worker so the next item stays queued.
	release := make(chan struct{})
	blocker, err := d.Submit(WorkItem{
		IdempotencyKey: "blocker",
		Fn: func(context.Context) (string, error) {
			<-release
			return "", nil
		},
	})
	require.NoError(t, err)

	victim, err := d.Submit(WorkItem{
		IdempotencyKey: "victim",
		Fn:             func(context.Context) (string, error) { return "should not apply", nil },
	})
	require.NoError(t, err)

	applied := make(chan string, 1)
	require.NoError(t, d.OnComplete(victim, func(_ WorkItem, result string) { applied <- result }))
	require.True(t, d.Cancel(victim))
	close(release)

	require.Eventually(t, func() bool {
		s, _ := d.Status(victim)
		return s == StatusCancelled
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case <-applied:
		t.Fatal("cancelled item must not apply its result")
	case <-time.After(100 * time.Millisecond):
	}

	s, err := d.Status(blocker)
	require.NoError(t, err)
	require.Equal(t, StatusDone, s)
}

func TestOnCompleteAfterCompletionRunsImmediately(t *testing.T) {
	d, _ := newTestDispatcher(t, testConfig())

	handle, err := d.Submit(WorkItem{
		IdempotencyKey: "early",
		Fn:             func(context.Context) (string, error) { return "value", nil },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, _ := d.Status(handle)
		return s == StatusDone
	}, 5*time.Second, 5*time.Millisecond)

	got := ""
	require.NoError(t, d.OnComplete(handle, func(_ WorkItem, result string) { got = result }))
	require.Equal(t, "value", got)
}

func TestQueueDepthAccounting(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 2
	d, _ := newTestDispatcher(t, cfg)

	// Occupy the single worker so later submissions stay queued.
	release := make(chan struct{})
	_, err := d.Submit(WorkItem{
		IdempotencyKey: "hold",
		Fn: func(context.Context) (string, error) {
			<-release
			return "", nil
		},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.InFlight() == 1 }, 5*time.Second, time.Millisecond)
	require.Zero(t, d.QueueDepth())

	for i := 0; i < 2; i++ {
		_, err := d.Submit(WorkItem{
			IdempotencyKey: fmt.Sprintf("wait-%d", i),
			Fn:             func(context.Context) (string, error) { return "", nil },
		})
		require.NoError(t, err)
	}
	require.Equal(t, int64(2), d.QueueDepth())

	// A rejected submission must leave the depth untouched.
	_, err = d.Submit(WorkItem{
		IdempotencyKey: "overflow",
		Fn:             func(context.Context) (string, error) { return "", nil },
	})
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, int64(2), d.QueueDepth())

	close(release)
	require.Eventually(t, func() bool {
		return d.QueueDepth() == 0 && d.InFlight() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestStatusUnknownHandle(t *testing.T) {
	d, _ := newTestDispatcher(t, testConfig())
	_, err := d.Status("nope")
	require.ErrorIs(t, err, ErrUnknownHandle)
	require.False(t, d.Cancel("nope"))
}
