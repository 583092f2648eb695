package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cg-telemetry/cg-ingester/internal/clock"
	"github.com/cg-telemetry/cg-ingester/internal/config"
	"github.com/cg-telemetry/cg-ingester/internal/store"
)

var t0 = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

type fakeSink struct {
	mu     sync.Mutex
	events []store.Event
}

func (f *fakeSink) InsertEvent(ctx context.Context, ev store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) byType(t string) []store.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Event
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func policy() config.EventsPolicyConfig {
	return config.EventsPolicyConfig{
		RouterOfflineSec:    300,
		StaleRegisterSec:    600,
		WatchdogIntervalSec: 30,
	}
}

func newWatchdog(sink *fakeSink) (*Watchdog, *Tracker) {
	tracker := NewTracker()
	w := New(tracker, sink, policy(), clock.NewFake(t0), zap.NewNop())
	return w, tracker
}

// Silence past router_offline_sec emits exactly one offline event; the next
// arrival reports the online transition exactly once.
func TestScan_OfflineOnlineCycle(t *testing.T) {
	sink := &fakeSink{}
	w, tracker := newWatchdog(sink)
	ctx := context.Background()

	tracker.TouchRouter("SN1", t0)

	// Not yet offline.
	w.Scan(ctx, t0.Add(299*time.Second))
	if n := len(sink.byType(EventRouterOffline)); n != 0 {
		t.Fatalf("premature offline events: %d", n)
	}

	w.Scan(ctx, t0.Add(301*time.Second))
	if n := len(sink.byType(EventRouterOffline)); n != 1 {
		t.Fatalf("offline events = %d, want 1", n)
	}

	// Repeated scans do not re-emit.
	w.Scan(ctx, t0.Add(400*time.Second))
	w.Scan(ctx, t0.Add(500*time.Second))
	if n := len(sink.byType(EventRouterOffline)); n != 1 {
		t.Fatalf("offline events after rescans = %d, want 1", n)
	}

	// Resumed traffic reports the offline state until the transition is
	// confirmed, then stops.
	if !tracker.TouchRouter("SN1", t0.Add(600*time.Second)) {
		t.Fatal("TouchRouter did not report the offline state")
	}
	if !tracker.TouchRouter("SN1", t0.Add(601*time.Second)) {
		t.Fatal("offline flag cleared before MarkOnline")
	}
	tracker.MarkOnline("SN1")
	if tracker.TouchRouter("SN1", t0.Add(602*time.Second)) {
		t.Fatal("TouchRouter still reports offline after MarkOnline")
	}

	// And can go offline again later.
	w.Scan(ctx, t0.Add(1000*time.Second))
	if n := len(sink.byType(EventRouterOffline)); n != 2 {
		t.Fatalf("offline events after second silence = %d, want 2", n)
	}
}

func TestScan_OnlyTrackedRoutersReported(t *testing.T) {
	sink := &fakeSink{}
	w, _ := newWatchdog(sink)
	w.Scan(context.Background(), t0.Add(time.Hour))
	if len(sink.events) != 0 {
		t.Fatalf("events for unseen routers: %+v", sink.events)
	}
}

func TestScan_StaleRegister(t *testing.T) {
	sink := &fakeSink{}
	w, tracker := newWatchdog(sink)
	ctx := context.Background()

	key := store.Key{RouterSN: "SN1", EquipType: "pcc", PanelID: 1, Addr: 40034}
	tracker.TouchRouter("SN1", t0)
	tracker.TouchRegister(key, true, t0)

	// A register without heartbeat expectation is never stale.
	quiet := store.Key{RouterSN: "SN1", EquipType: "pcc", PanelID: 1, Addr: 40099}
	tracker.TouchRegister(quiet, false, t0)

	w.Scan(ctx, t0.Add(599*time.Second))
	if n := len(sink.byType(EventStaleRegister)); n != 0 {
		t.Fatalf("premature stale events: %d", n)
	}

	w.Scan(ctx, t0.Add(601*time.Second))
	stale := sink.byType(EventStaleRegister)
	if len(stale) != 1 {
		t.Fatalf("stale events = %d, want 1", len(stale))
	}
	if stale[0].Payload["addr"] != 40034 {
		t.Fatalf("stale event addr = %v, want 40034", stale[0].Payload["addr"])
	}

	// Within the same stale interval: no re-emit.
	w.Scan(ctx, t0.Add(700*time.Second))
	if n := len(sink.byType(EventStaleRegister)); n != 1 {
		t.Fatalf("stale events within interval = %d, want 1", n)
	}

	// Next stale interval: one more.
	w.Scan(ctx, t0.Add(1300*time.Second))
	if n := len(sink.byType(EventStaleRegister)); n != 2 {
		t.Fatalf("stale events after next interval = %d, want 2", n)
	}

	// A fresh sample clears the stale bookkeeping.
	tracker.TouchRegister(key, true, t0.Add(1400*time.Second))
	w.Scan(ctx, t0.Add(1500*time.Second))
	if n := len(sink.byType(EventStaleRegister)); n != 2 {
		t.Fatalf("stale events after fresh sample = %d, want 2", n)
	}
}
