package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cg-telemetry/cg-ingester/internal/clock"
	"github.com/cg-telemetry/cg-ingester/internal/config"
	"github.com/cg-telemetry/cg-ingester/internal/store"
)

// Event types synthesized from message arrival patterns.
const (
	EventRouterOffline = "router_offline"
	EventRouterOnline  = "router_online"
	EventStaleRegister = "stale_register"
)

// Tracker holds the last-seen maps shared between ingest workers (writers)
// and the watchdog scan (reader). All access goes through a short critical
// section; the scan copies a snapshot and decides outside the lock.
type Tracker struct {
	mu             sync.Mutex
	routerLastSeen map[string]time.Time
	routerOffline  map[string]bool
	regLastSample  map[store.Key]time.Time
	regHeartbeat   map[store.Key]bool
	regStaleAt     map[store.Key]time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		routerLastSeen: map[string]time.Time{},
		routerOffline:  map[string]bool{},
		regLastSample:  map[store.Key]time.Time{},
		regHeartbeat:   map[store.Key]bool{},
		regStaleAt:     map[store.Key]time.Time{},
	}
}

// TouchRouter records a message arrival and reports whether the router is
// currently marked offline. The flag is left set: the caller attaches the
// router_online event to the message's write and confirms the transition
// with MarkOnline once that write lands, so a dropped write does not lose
// the event.
func (t *Tracker) TouchRouter(routerSN string, now time.Time) (wasOffline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routerLastSeen[routerSN] = now
	return t.routerOffline[routerSN]
}

// MarkOnline clears the offline flag after the router_online event has been
// persisted.
func (t *Tracker) MarkOnline(routerSN string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routerOffline[routerSN] = false
}

// TouchRegister records a register observation for stale detection.
// hasHeartbeat reflects the catalog entry; only registers with a heartbeat
// expectation are ever reported stale.
func (t *Tracker) TouchRegister(key store.Key, hasHeartbeat bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regLastSample[key] = now
	t.regHeartbeat[key] = hasHeartbeat
	delete(t.regStaleAt, key)
}

// EventSink receives watchdog events. Satisfied by *store.Store.
type EventSink interface {
	InsertEvent(ctx context.Context, ev store.Event) error
}

// Watchdog periodically scans the tracker and emits offline and staleness
// events. It only observes; it never closes broker subscriptions.
type Watchdog struct {
	tracker *Tracker
	sink    EventSink
	cfg     config.EventsPolicyConfig
	clk     clock.Clock
	logger  *zap.Logger
}

func New(tracker *Tracker, sink EventSink, cfg config.EventsPolicyConfig, clk clock.Clock, logger *zap.Logger) *Watchdog {
	return &Watchdog{tracker: tracker, sink: sink, cfg: cfg, clk: clk, logger: logger}
}

func (w *Watchdog) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.WatchdogIntervalSec) * time.Second
	w.logger.Info("watchdog started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan(ctx, w.clk.Now())
		}
	}
}

// Scan runs one watchdog pass at the given instant.
func (w *Watchdog) Scan(ctx context.Context, now time.Time) {
	offlineAfter := time.Duration(w.cfg.RouterOfflineSec) * time.Second
	staleAfter := time.Duration(w.cfg.StaleRegisterSec) * time.Second

	var events []store.Event

	w.tracker.mu.Lock()
	for sn, last := range w.tracker.routerLastSeen {
		if now.Sub(last) >= offlineAfter && !w.tracker.routerOffline[sn] {
			w.tracker.routerOffline[sn] = true
			events = append(events, store.Event{
				RouterSN:    sn,
				Type:        EventRouterOffline,
				Description: fmt.Sprintf("no messages for %s", now.Sub(last).Truncate(time.Second)),
			})
		}
	}
	if staleAfter > 0 {
		for key, last := range w.tracker.regLastSample {
			if !w.tracker.regHeartbeat[key] {
				continue
			}
			if now.Sub(last) < staleAfter {
				continue
			}
			// One event per stale interval while the register stays silent.
			if emitted, ok := w.tracker.regStaleAt[key]; ok && now.Sub(emitted) < staleAfter {
				continue
			}
			w.tracker.regStaleAt[key] = now
			panelID := key.PanelID
			events = append(events, store.Event{
				RouterSN:    key.RouterSN,
				EquipType:   key.EquipType,
				PanelID:     &panelID,
				Type:        EventStaleRegister,
				Description: fmt.Sprintf("addr=%d silent for %s", key.Addr, now.Sub(last).Truncate(time.Second)),
				Payload:     map[string]any{"addr": key.Addr},
			})
		}
	}
	w.tracker.mu.Unlock()

	for _, ev := range events {
		if err := w.sink.InsertEvent(ctx, ev); err != nil {
			w.logger.Error("watchdog event insert failed",
				zap.String("type", ev.Type),
				zap.String("router_sn", ev.RouterSN),
				zap.Error(err),
			)
		} else {
			w.logger.Info("watchdog event",
				zap.String("type", ev.Type),
				zap.String("router_sn", ev.RouterSN),
			)
		}
	}
}
