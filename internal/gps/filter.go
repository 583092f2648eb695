package gps

import (
	"math"
	"time"

	"github.com/cg-telemetry/cg-ingester/internal/config"
)

const earthRadiusM = 6371000.0

// Reject reasons recorded in gps_raw_history and event payloads.
const (
	RejectLowSats      = "low_sats"
	RejectBadFix       = "bad_fix"
	RejectJumpDistance = "jump_distance"
	RejectJumpSpeed    = "jump_speed"
)

// Fix is one GPS observation after boundary decoding.
type Fix struct {
	Lat        float64
	Lon        float64
	Satellites int
	FixStatus  int
	GPSTime    time.Time // zero when the payload carried no usable time
	ReceivedAt time.Time
}

// Verdict is the filter decision for a single fix.
type Verdict struct {
	Accepted     bool
	RejectReason string
}

// Filter is the per-object anti-teleport state machine. One instance per
// router_sn. Check mutates internal state and never blocks; callers persist
// the raw fix and the verdict separately.
type Filter struct {
	cfg          config.GPSFilterConfig
	lastAccepted *Fix
	confirm      []Fix
}

func NewFilter(cfg config.GPSFilterConfig) *Filter {
	return &Filter{cfg: cfg}
}

// LastAccepted returns the most recently accepted fix, or nil.
func (f *Filter) LastAccepted() *Fix {
	return f.lastAccepted
}

// SeedLast installs the last accepted fix restored from gps_latest_filtered
// at startup. The confirmation buffer starts empty.
func (f *Filter) SeedLast(fix Fix) {
	f.lastAccepted = &fix
	f.confirm = nil
}

func (f *Filter) Check(fix Fix) Verdict {
	cfg := f.cfg

	// Quality gates leave all state untouched.
	if fix.Satellites < cfg.SatsMin {
		return Verdict{RejectReason: RejectLowSats}
	}
	if fix.FixStatus < cfg.FixMin {
		return Verdict{RejectReason: RejectBadFix}
	}

	if f.lastAccepted == nil {
		f.accept(fix)
		return Verdict{Accepted: true}
	}

	d := HaversineM(f.lastAccepted.Lat, f.lastAccepted.Lon, fix.Lat, fix.Lon)
	if d <= cfg.MaxJumpM {
		f.accept(fix)
		return Verdict{Accepted: true}
	}

	// Distance gate failed; a plausible implied speed still accepts, so a
	// unit reconnecting after a long gap does not get stuck behind the jump
	// threshold.
	dtSec := fix.ReceivedAt.Sub(f.lastAccepted.ReceivedAt).Seconds()
	if dtSec <= 0 {
		dtSec = 1.0
	}
	speedKmh := d / dtSec * 3.6
	if speedKmh <= cfg.MaxSpeedKmh {
		f.accept(fix)
		return Verdict{Accepted: true}
	}

	return f.tryConfirm(fix, d, speedKmh)
}

func (f *Filter) accept(fix Fix) {
	f.lastAccepted = &fix
	f.confirm = nil
}

// tryConfirm collects candidate fixes for a relocation. A cluster of
// confirm_points fixes pairwise within confirm_radius_m accepts the newest.
func (f *Filter) tryConfirm(fix Fix, dist, speedKmh float64) Verdict {
	cfg := f.cfg
	reason := classifyJump(dist, speedKmh, cfg)

	// Checking the new fix against every buffered one keeps the whole
	// buffer pairwise within the radius: each pair was checked when the
	// later of the two arrived.
	for _, p := range f.confirm {
		if HaversineM(p.Lat, p.Lon, fix.Lat, fix.Lon) > cfg.ConfirmRadiusM {
			// A different outlier; restart the cluster from this fix.
			f.confirm = []Fix{fix}
			return Verdict{RejectReason: reason}
		}
	}
	f.confirm = append(f.confirm, fix)

	if len(f.confirm) >= cfg.ConfirmPoints {
		f.accept(fix)
		return Verdict{Accepted: true}
	}
	return Verdict{RejectReason: reason}
}

// classifyJump names the threshold the fix overshot by the larger factor.
func classifyJump(dist, speedKmh float64, cfg config.GPSFilterConfig) string {
	if dist/cfg.MaxJumpM >= speedKmh/cfg.MaxSpeedKmh {
		return RejectJumpDistance
	}
	return RejectJumpSpeed
}

// HaversineM returns the great-circle distance between two points in meters.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180
	dLat := rLat2 - rLat1
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
