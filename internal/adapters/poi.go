package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/worldclock/internal/bus"
	"github.com/talgya/worldclock/internal/calendar"
	"github.com/talgya/worldclock/internal/clock"
	"github.com/talgya/worldclock/internal/dispatch"
	"github.com/talgya/worldclock/internal/schedule"
)

const poiOwner = "poi"

// POI is one generated point of interest.
type POI struct {
	Name string  `json:"name"`
	Kind string  `json:"kind"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type revealPayload struct {
	Region string `json:"region"`
	POIs   []POI  `json:"pois"`
}

// Explorer generates regions' points of interest on the dispatcher and
// reveals them at a future world time. Real compute latency is translated
// into an in-world travel delay: the survey party "arrives" when the reveal
// trigger fires, however long the generation actually took.
type Explorer struct {
	cfg   *calendar.Config
	auth  *clock.Authority
	store *schedule.Store
	disp  *dispatch.Dispatcher

	mu       sync.RWMutex
	revealed map[string][]POI
}

// NewExplorer creates the adapter and subscribes its reveal handler.
func NewExplorer(cfg *calendar.Config, auth *clock.Authority, store *schedule.Store, disp *dispatch.Dispatcher, b *bus.Bus) *Explorer {
	e := &Explorer{
		cfg:      cfg,
		auth:     auth,
		store:    store,
		disp:     disp,
		revealed: make(map[string][]POI),
	}

	b.Subscribe(bus.KindTriggerFired, func(n bus.Notification) {
		if n.Owner != poiOwner {
			return
		}
		var p revealPayload
		if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
			slog.Error("bad reveal payload", "trigger", n.TriggerID, "error", err)
			return
		}
		e.mu.Lock()
		e.revealed[p.Region] = p.POIs
		e.mu.Unlock()
		slog.Info("region revealed", "region", p.Region, "pois", len(p.POIs), "at", n.Timestamp)
	})
	b.Subscribe(bus.KindWorkFailed, func(n bus.Notification) {
		if strings.HasPrefix(n.IdempotencyKey, "poi:") {
			slog.Warn("region survey failed permanently",
				"idem_key", n.IdempotencyKey, "attempts", n.Attempts, "error", n.Err)
		}
	})

	return e
}

// Survey submits async generation for a region and schedules the reveal
// travelMinutes of world time after the generation completes. Returns the
// dispatcher handle.
func (e *Explorer) Survey(region string, seed int64, travelMinutes int64) (string, error) {
	handle, err := e.disp.Submit(dispatch.WorkItem{
		IdempotencyKey: fmt.Sprintf("poi:%s:%d", region, seed),
		Fn: func(ctx context.Context) (string, error) {
			return generateRegion(ctx, region, seed)
		},
	})
	if err != nil {
		return "", fmt.Errorf("submit survey for %q: %w", region, err)
	}

	err = e.disp.OnComplete(handle, func(_ dispatch.WorkItem, result string) {
		target := e.cfg.Add(e.auth.Current(), travelMinutes)
		if _, err := e.store.Schedule(target, result, poiOwner, 0); err != nil {
			slog.Error("schedule reveal failed", "region", region, "error", err)
		}
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

// Revealed returns the points of interest for a region, if its survey has
// come into view.
func (e *Explorer) Revealed(region string) ([]POI, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pois, ok := e.revealed[region]
	return pois, ok
}

var poiKinds = []string{"ancient ruins", "hidden spring", "forest shrine", "standing stones"}

// generateRegion deterministically produces a region's points of interest
// from its seed. The same (region, seed) pair always yields the same result,
// which is what makes duplicate applications harmless.
func generateRegion(ctx context.Context, region string, seed int64) (string, error) {
	noise := opensimplex.NewNormalized(seed)

	var pois []POI
	for i := 0; i < 12; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		x := noise.Eval2(float64(i)*0.7, 0.25)
		y := noise.Eval2(0.25, float64(i)*0.7)
		density := noise.Eval2(x*3, y*3)
		if density < 0.55 {
			continue
		}
		kind := poiKinds[i%len(poiKinds)]
		pois = append(pois, POI{
			Name: fmt.Sprintf("%s of %s %d", kind, region, i+1),
			Kind: kind,
			X:    x,
			Y:    y,
		})
	}

	raw, err := json.Marshal(revealPayload{Region: region, POIs: pois})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
