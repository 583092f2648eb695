package history

import (
	"math"
	"time"

	"github.com/cg-telemetry/cg-ingester/internal/catalog"
	"github.com/cg-telemetry/cg-ingester/internal/config"
)

// Write reasons recorded in the history table.
const (
	ReasonFirst        = "first"
	ReasonChange       = "change"
	ReasonHeartbeat    = "heartbeat"
	ReasonReasonChange = "reason_change"
)

// Sample is one decoded register observation. Pointer fields distinguish
// absent from zero, matching the nullable wire payload.
type Sample struct {
	Ts     time.Time
	Value  *float64
	Raw    *int64
	Text   *string
	Unit   *string
	Name   *string
	Reason *string
}

// KeyState is the per-(router, equip, panel, addr) memory the policy reads.
// It is owned by the ingest worker for the key's partition.
type KeyState struct {
	HasStored       bool
	LastValue       *float64
	LastRaw         *int64
	LastText        *string
	LastReason      *string
	LastStoredTs    time.Time
	LastHeartbeatTs time.Time
}

// RecordWrite folds a written sample into the state. The heartbeat interval
// is anchored on first and heartbeat writes only: a change write does not
// push the next heartbeat out, so a quiet register still reports on the
// heartbeat grid regardless of interleaved changes.
func (st *KeyState) RecordWrite(s Sample, now time.Time, reason string) {
	st.HasStored = true
	st.LastValue = s.Value
	st.LastRaw = s.Raw
	st.LastText = s.Text
	st.LastReason = s.Reason
	st.LastStoredTs = now
	if reason == ReasonFirst || reason == ReasonHeartbeat {
		st.LastHeartbeatTs = now
	}
}

// Params are the effective write-policy parameters for one register,
// resolved from catalog entry, KPI overrides and configured defaults.
type Params struct {
	Known        bool
	StoreHistory bool
	ValueKind    string
	Tolerance    float64
	HasTolerance bool
	MinInterval  time.Duration
	Heartbeat    time.Duration
}

// Resolve layers defaults, then the catalog entry, then the KPI override.
// An address absent from the catalog is unknown: never stored in history,
// KPI overrides do not resurrect it.
func Resolve(entry *catalog.Entry, addr int, cfg config.HistoryPolicyConfig) Params {
	if entry == nil {
		return Params{}
	}

	p := Params{
		Known:        true,
		StoreHistory: entry.StoreHistory,
		ValueKind:    entry.ValueKind,
		Tolerance:    cfg.DefaultTolerance,
		HasTolerance: true,
		MinInterval:  time.Duration(cfg.DefaultMinIntervalSec) * time.Second,
		Heartbeat:    time.Duration(cfg.DefaultHeartbeatSec) * time.Second,
	}
	if entry.Tolerance != nil {
		p.Tolerance = *entry.Tolerance
	}
	if entry.MinIntervalSec != nil {
		p.MinInterval = time.Duration(*entry.MinIntervalSec) * time.Second
	}
	if entry.HeartbeatSec != nil {
		p.Heartbeat = time.Duration(*entry.HeartbeatSec) * time.Second
	}

	if kpi, ok := cfg.KPIMap()[addr]; ok {
		p.Heartbeat = time.Duration(kpi.HeartbeatSec) * time.Second
		p.Tolerance = kpi.Tolerance
	}

	switch p.ValueKind {
	case catalog.KindText, catalog.KindEnum:
		p.HasTolerance = false
	case catalog.KindDiscrete, catalog.KindCounter:
		if entry.Tolerance == nil {
			p.Tolerance = 0
		}
	}
	return p
}

// Decision is the policy outcome for one observation. latest_state is always
// upserted by the caller regardless of Write.
type Decision struct {
	Write       bool
	WriteReason string
}

// Decide applies the write-policy rules in order: unknown or unstored
// registers never write; an unseen key writes "first"; a reason transition
// writes "reason_change"; a value/raw/text delta past tolerance writes
// "change" if the minimum interval elapsed; an elapsed heartbeat writes
// "heartbeat"; everything else is suppressed.
func Decide(p Params, st *KeyState, s Sample, now time.Time) Decision {
	if !p.Known || !p.StoreHistory {
		return Decision{}
	}

	if st == nil || !st.HasStored {
		return Decision{Write: true, WriteReason: ReasonFirst}
	}

	if !strPtrEq(s.Reason, st.LastReason) {
		return Decision{Write: true, WriteReason: ReasonReasonChange}
	}

	if changed(p, st, s) && now.Sub(st.LastStoredTs) >= p.MinInterval {
		return Decision{Write: true, WriteReason: ReasonChange}
	}

	if p.Heartbeat > 0 && now.Sub(st.LastHeartbeatTs) >= p.Heartbeat {
		return Decision{Write: true, WriteReason: ReasonHeartbeat}
	}

	return Decision{}
}

func changed(p Params, st *KeyState, s Sample) bool {
	// Raw and text deltas are change-class for every value kind, including
	// numeric registers reporting a null value.
	if !i64PtrEq(s.Raw, st.LastRaw) {
		return true
	}
	if !strPtrEq(s.Text, st.LastText) {
		return true
	}

	if p.HasTolerance {
		switch {
		case s.Value != nil && st.LastValue != nil:
			return math.Abs(*s.Value-*st.LastValue) > p.Tolerance
		case s.Value != nil || st.LastValue != nil:
			// One side null, the other not.
			return true
		}
	}
	return false
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func i64PtrEq(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
