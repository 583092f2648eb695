package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cg-telemetry/cg-ingester/internal/catalog"
	"github.com/cg-telemetry/cg-ingester/internal/clock"
	"github.com/cg-telemetry/cg-ingester/internal/config"
	"github.com/cg-telemetry/cg-ingester/internal/gps"
	"github.com/cg-telemetry/cg-ingester/internal/history"
	"github.com/cg-telemetry/cg-ingester/internal/metrics"
	"github.com/cg-telemetry/cg-ingester/internal/store"
	"github.com/cg-telemetry/cg-ingester/internal/watchdog"
)

// GPS reject event types.
const (
	eventGPSJumpRejected = "gps_jump_rejected"
	eventGPSLowSats      = "gps_low_sats"
	eventGPSBadFix       = "gps_bad_fix"
	eventUnknownRegister = "unknown_register"
)

// Quality reject events are emitted at most once per object per this window.
const qualityEventWindow = time.Minute

// StoreWriter is the slice of the persistence port the handler needs.
// The worker wraps the real store with timeout and retry handling.
type StoreWriter interface {
	WriteGPS(ctx context.Context, w store.GPSWrite) error
	WriteDecoded(ctx context.Context, w store.DecodedWrite) error
}

// Handler processes messages for one queue partition. It owns the per-object
// filter and per-key policy state for every router hashed to its partition,
// so no locking is needed on those maps.
type Handler struct {
	gpsCfg     config.GPSFilterConfig
	histCfg    config.HistoryPolicyConfig
	eventsCfg  config.EventsPolicyConfig
	archiveRaw bool

	catalog *catalog.Cache
	writer  StoreWriter
	tracker *watchdog.Tracker
	clk     clock.Clock
	logger  *zap.Logger

	filters         map[string]*gps.Filter
	keyState        map[store.Key]*history.KeyState
	unknownReported map[store.Key]bool
	qualityEventAt  map[string]time.Time
}

func NewHandler(cfg *config.Config, cat *catalog.Cache, writer StoreWriter, tracker *watchdog.Tracker, clk clock.Clock, logger *zap.Logger) *Handler {
	return &Handler{
		gpsCfg:          cfg.GPSFilter,
		histCfg:         cfg.HistoryPolicy,
		eventsCfg:       cfg.EventsPolicy,
		archiveRaw:      cfg.Ingest.StoreRawPayload,
		catalog:         cat,
		writer:          writer,
		tracker:         tracker,
		clk:             clk,
		logger:          logger,
		filters:         map[string]*gps.Filter{},
		keyState:        map[store.Key]*history.KeyState{},
		unknownReported: map[store.Key]bool{},
		qualityEventAt:  map[string]time.Time{},
	}
}

// SeedGPS installs the last accepted fix restored from the store at startup.
func (h *Handler) SeedGPS(routerSN string, fix gps.Fix) {
	h.filter(routerSN).SeedLast(fix)
}

// SeedLatest installs per-key policy state restored from latest_state.
// The heartbeat clock restarts at now; heartbeats are never retroactive.
func (h *Handler) SeedLatest(key store.Key, s history.Sample, now time.Time) {
	st := &history.KeyState{
		HasStored:       true,
		LastValue:       s.Value,
		LastRaw:         s.Raw,
		LastText:        s.Text,
		LastReason:      s.Reason,
		LastStoredTs:    s.Ts,
		LastHeartbeatTs: now,
	}
	if st.LastStoredTs.IsZero() {
		st.LastStoredTs = now
	}
	h.keyState[key] = st
}

func (h *Handler) filter(routerSN string) *gps.Filter {
	f, ok := h.filters[routerSN]
	if !ok {
		f = gps.NewFilter(h.gpsCfg)
		h.filters[routerSN] = f
	}
	return f
}

// Process handles one message end to end. Decisions are pure in-memory
// computations; the single store call at the end is the only suspension
// point. Payload errors are swallowed after counting: the message is gone
// either way and carries no retryable work.
func (h *Handler) Process(ctx context.Context, msg Message) error {
	now := h.clk.Now()
	wasOffline := h.tracker.TouchRouter(msg.Route.RouterSN, now)
	metrics.LastMsgTimestamp.WithLabelValues(msg.Route.RouterSN).Set(float64(now.Unix()))

	switch msg.Route.Kind {
	case KindGPS:
		metrics.MessagesTotal.WithLabelValues(KindGPS).Inc()
		return h.processGPS(ctx, msg, now, wasOffline)
	case KindDecoded:
		metrics.MessagesTotal.WithLabelValues(KindDecoded).Inc()
		return h.processDecoded(ctx, msg, now, wasOffline)
	default:
		metrics.UnmatchedTopicsTotal.Inc()
		return nil
	}
}

func (h *Handler) processGPS(ctx context.Context, msg Message, now time.Time, wasOffline bool) error {
	fix, err := DecodeGPS(msg.Payload, now)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("gps", "decode").Inc()
		h.logger.Debug("dropping malformed gps payload",
			zap.String("router_sn", msg.Route.RouterSN), zap.Error(err))
		return nil
	}

	verdict := h.filter(msg.Route.RouterSN).Check(fix)
	if verdict.Accepted {
		metrics.GPSFixesTotal.WithLabelValues("accepted").Inc()
	} else {
		metrics.GPSFixesTotal.WithLabelValues(verdict.RejectReason).Inc()
	}

	w := store.GPSWrite{
		RouterSN:     msg.Route.RouterSN,
		Fix:          fix,
		Accepted:     verdict.Accepted,
		RejectReason: verdict.RejectReason,
		UpdateLatest: verdict.Accepted,
	}
	if h.archiveRaw {
		w.RawPayload = msg.Payload
	}
	if wasOffline {
		w.Events = append(w.Events, onlineEvent(msg.Route.RouterSN))
	}
	if ev, ok := h.gpsRejectEvent(msg.Route.RouterSN, fix, verdict, now); ok {
		w.Events = append(w.Events, ev)
	}

	if err := h.writer.WriteGPS(ctx, w); err != nil {
		return fmt.Errorf("persisting gps fix for %s: %w", msg.Route.RouterSN, err)
	}
	// Confirm the online transition only once its event is persisted; until
	// then every arrival keeps offering the event with its write.
	if wasOffline {
		h.tracker.MarkOnline(msg.Route.RouterSN)
	}
	return nil
}

func (h *Handler) gpsRejectEvent(routerSN string, fix gps.Fix, v gps.Verdict, now time.Time) (store.Event, bool) {
	if v.Accepted {
		return store.Event{}, false
	}

	payload := map[string]any{
		"lat":           fix.Lat,
		"lon":           fix.Lon,
		"satellites":    fix.Satellites,
		"reject_reason": v.RejectReason,
	}

	switch v.RejectReason {
	case gps.RejectJumpDistance, gps.RejectJumpSpeed:
		if !h.eventsCfg.EnableGPSRejectEvents {
			return store.Event{}, false
		}
		return store.Event{
			RouterSN:    routerSN,
			Type:        eventGPSJumpRejected,
			Description: fmt.Sprintf("reason=%s lat=%.6f lon=%.6f", v.RejectReason, fix.Lat, fix.Lon),
			Payload:     payload,
		}, true
	case gps.RejectLowSats, gps.RejectBadFix:
		limitKey := routerSN + "/" + v.RejectReason
		if last, ok := h.qualityEventAt[limitKey]; ok && now.Sub(last) < qualityEventWindow {
			return store.Event{}, false
		}
		h.qualityEventAt[limitKey] = now
		evType := eventGPSLowSats
		if v.RejectReason == gps.RejectBadFix {
			evType = eventGPSBadFix
		}
		return store.Event{
			RouterSN:    routerSN,
			Type:        evType,
			Description: fmt.Sprintf("satellites=%d fix_status=%d", fix.Satellites, fix.FixStatus),
			Payload:     payload,
		}, true
	}
	return store.Event{}, false
}

func (h *Handler) processDecoded(ctx context.Context, msg Message, now time.Time, wasOffline bool) error {
	decoded, err := DecodeDecoded(msg.Payload)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("decoded", "decode").Inc()
		h.logger.Debug("dropping malformed decoded payload",
			zap.String("router_sn", msg.Route.RouterSN),
			zap.Int("panel_id", msg.Route.PanelID),
			zap.Error(err))
		return nil
	}
	if decoded.Skipped > 0 {
		metrics.ParseErrorsTotal.WithLabelValues("decoded", "missing_addr").Add(float64(decoded.Skipped))
		h.logger.Warn("registers without addr skipped",
			zap.String("router_sn", msg.Route.RouterSN),
			zap.Int("panel_id", msg.Route.PanelID),
			zap.Int("skipped", decoded.Skipped))
	}

	w := store.DecodedWrite{
		RouterSN:  msg.Route.RouterSN,
		EquipType: "pcc",
		PanelID:   msg.Route.PanelID,
		Now:       now,
	}
	if wasOffline {
		w.Events = append(w.Events, onlineEvent(msg.Route.RouterSN))
	}

	type pendingWrite struct {
		key    store.Key
		sample history.Sample
		reason string
	}
	var written []pendingWrite
	var unknownSeen []store.Key

	for _, reg := range decoded.Registers {
		key := store.Key{
			RouterSN:  msg.Route.RouterSN,
			EquipType: w.EquipType,
			PanelID:   msg.Route.PanelID,
			Addr:      reg.Addr,
		}
		entry := h.catalog.Lookup(w.EquipType, reg.Addr)
		params := history.Resolve(entry, reg.Addr, h.histCfg)

		// latest_state always reflects the observation.
		w.Latest = append(w.Latest, store.LatestRow{Key: key, Sample: reg.Sample})
		h.tracker.TouchRegister(key, params.Known && params.Heartbeat > 0, now)

		if !params.Known {
			if h.eventsCfg.EnableUnknownRegisterEvents && !h.unknownReported[key] {
				panelID := key.PanelID
				w.Events = append(w.Events, store.Event{
					RouterSN:    key.RouterSN,
					EquipType:   key.EquipType,
					PanelID:     &panelID,
					Type:        eventUnknownRegister,
					Description: fmt.Sprintf("addr=%d not in register catalog", key.Addr),
					Payload:     map[string]any{"addr": key.Addr},
				})
				unknownSeen = append(unknownSeen, key)
			}
			continue
		}

		decision := history.Decide(params, h.keyState[key], reg.Sample, now)
		if decision.Write {
			w.History = append(w.History, store.HistoryRow{
				Key:         key,
				Sample:      reg.Sample,
				WriteReason: decision.WriteReason,
			})
			written = append(written, pendingWrite{key: key, sample: reg.Sample, reason: decision.WriteReason})
			metrics.HistoryWritesTotal.WithLabelValues(decision.WriteReason).Inc()
		} else {
			metrics.HistorySuppressedTotal.Inc()
		}
	}

	if err := h.writer.WriteDecoded(ctx, w); err != nil {
		return fmt.Errorf("persisting decoded message for %s/pcc/%d: %w",
			msg.Route.RouterSN, msg.Route.PanelID, err)
	}

	// Fold state only after the transaction landed, so a dropped message
	// leaves the policy ready to write the same rows on the next attempt.
	for _, pw := range written {
		st, ok := h.keyState[pw.key]
		if !ok {
			st = &history.KeyState{}
			h.keyState[pw.key] = st
		}
		st.RecordWrite(pw.sample, now, pw.reason)
	}
	for _, key := range unknownSeen {
		h.unknownReported[key] = true
	}
	if wasOffline {
		h.tracker.MarkOnline(msg.Route.RouterSN)
	}
	return nil
}

func onlineEvent(routerSN string) store.Event {
	return store.Event{
		RouterSN:    routerSN,
		Type:        watchdog.EventRouterOnline,
		Description: "traffic resumed",
	}
}
