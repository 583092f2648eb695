package gps

import (
	"testing"
	"time"

	"github.com/cg-telemetry/cg-ingester/internal/config"
)

func testCfg() config.GPSFilterConfig {
	return config.GPSFilterConfig{
		SatsMin:        4,
		FixMin:         1,
		MaxJumpM:       1000,
		MaxSpeedKmh:    150,
		ConfirmPoints:  3,
		ConfirmRadiusM: 50,
	}
}

var t0 = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func fix(lat, lon float64, at time.Time) Fix {
	return Fix{Lat: lat, Lon: lon, Satellites: 8, FixStatus: 1, ReceivedAt: at}
}

func TestHaversine_KnownDistance(t *testing.T) {
	// St. Petersburg to Moscow, roughly 634 km.
	d := HaversineM(59.851624, 30.479838, 55.751244, 37.618423)
	if d < 600_000 || d > 660_000 {
		t.Fatalf("haversine = %.0f m, want ~634 km", d)
	}
}

func TestCheck_FirstFixAccepted(t *testing.T) {
	f := NewFilter(testCfg())
	v := f.Check(fix(59.851624, 30.479838, t0))
	if !v.Accepted {
		t.Fatalf("first fix rejected: %+v", v)
	}
	if f.LastAccepted() == nil {
		t.Fatal("last accepted not set")
	}
}

func TestCheck_QualityGates(t *testing.T) {
	f := NewFilter(testCfg())
	f.Check(fix(59.851624, 30.479838, t0))

	low := fix(59.851700, 30.479900, t0.Add(time.Minute))
	low.Satellites = 3
	if v := f.Check(low); v.Accepted || v.RejectReason != RejectLowSats {
		t.Fatalf("low sats verdict = %+v, want low_sats reject", v)
	}

	bad := fix(59.851700, 30.479900, t0.Add(2*time.Minute))
	bad.FixStatus = 0
	if v := f.Check(bad); v.Accepted || v.RejectReason != RejectBadFix {
		t.Fatalf("bad fix verdict = %+v, want bad_fix reject", v)
	}

	// Quality rejects leave the last accepted fix untouched.
	if f.LastAccepted().Lat != 59.851624 {
		t.Fatal("quality reject mutated last accepted")
	}
}

func TestCheck_SmallMoveAccepted(t *testing.T) {
	f := NewFilter(testCfg())
	f.Check(fix(59.851624, 30.479838, t0))

	v := f.Check(fix(59.852000, 30.480000, t0.Add(30*time.Second)))
	if !v.Accepted {
		t.Fatalf("small move rejected: %+v", v)
	}
	if f.LastAccepted().Lat != 59.852000 {
		t.Fatal("last accepted not updated")
	}
}

// Teleport from St. Petersburg to Moscow in one minute must be rejected and
// must not move the latest accepted fix.
func TestCheck_TeleportRejected(t *testing.T) {
	f := NewFilter(testCfg())
	f.Check(fix(59.851624, 30.479838, t0))

	v := f.Check(fix(55.751244, 37.618423, t0.Add(time.Minute)))
	if v.Accepted {
		t.Fatal("teleport accepted")
	}
	if v.RejectReason != RejectJumpDistance {
		t.Fatalf("reject reason = %q, want jump_distance", v.RejectReason)
	}
	if f.LastAccepted().Lat != 59.851624 {
		t.Fatal("teleport moved last accepted")
	}
}

// A relocation is confirmed by a cluster of nearby fixes: the jump target and
// two stray candidates are rejected, the third clustered fix is accepted.
func TestCheck_ConfirmAfterJump(t *testing.T) {
	f := NewFilter(testCfg())
	f.Check(fix(59.851624, 30.479838, t0))

	// The teleport target; rejected, starts a cluster.
	if v := f.Check(fix(55.751244, 37.618423, t0.Add(time.Minute))); v.Accepted {
		t.Fatal("jump target accepted")
	}

	// Three fixes ~120 m from the target, pairwise within ~25 m. The first
	// breaks the old cluster, so acceptance lands on the third.
	pts := []Fix{
		fix(55.752244, 37.618423, t0.Add(2*time.Minute)),
		fix(55.752344, 37.618423, t0.Add(3*time.Minute)),
		fix(55.752444, 37.618423, t0.Add(4*time.Minute)),
	}
	if v := f.Check(pts[0]); v.Accepted {
		t.Fatal("first candidate accepted early")
	}
	if v := f.Check(pts[1]); v.Accepted {
		t.Fatal("second candidate accepted early")
	}
	v := f.Check(pts[2])
	if !v.Accepted {
		t.Fatalf("third candidate rejected: %+v", v)
	}
	if f.LastAccepted().Lat != 55.752444 {
		t.Fatalf("last accepted = %+v, want third candidate", f.LastAccepted())
	}
}

// A far fix with a plausible implied speed is accepted: a unit reconnecting
// after a long offline gap moved well beyond max_jump_m.
func TestCheck_SlowLongMoveAccepted(t *testing.T) {
	f := NewFilter(testCfg())
	f.Check(fix(59.851624, 30.479838, t0))

	// ~5.5 km north, one hour later: ~5.5 km/h.
	v := f.Check(fix(59.901624, 30.479838, t0.Add(time.Hour)))
	if !v.Accepted {
		t.Fatalf("slow long move rejected: %+v", v)
	}
}

func TestCheck_JumpSpeedClassification(t *testing.T) {
	f := NewFilter(testCfg())
	f.Check(fix(59.851624, 30.479838, t0))

	// ~1.5 km in 10 s: distance overshoots 1.5x, speed ~540 km/h overshoots
	// 3.6x, so the speed gate names the reject.
	v := f.Check(fix(59.865124, 30.479838, t0.Add(10*time.Second)))
	if v.Accepted {
		t.Fatal("fast fix accepted")
	}
	if v.RejectReason != RejectJumpSpeed {
		t.Fatalf("reject reason = %q, want jump_speed", v.RejectReason)
	}
}

func TestCheck_ClusterResetOnStray(t *testing.T) {
	f := NewFilter(testCfg())
	f.Check(fix(59.851624, 30.479838, t0))

	// Two candidates near Moscow, then a stray near Kazan: the stray must
	// restart the cluster, so two more Moscow fixes do not confirm.
	f.Check(fix(55.751244, 37.618423, t0.Add(1*time.Minute)))
	f.Check(fix(55.751344, 37.618423, t0.Add(2*time.Minute)))
	if v := f.Check(fix(55.790000, 49.110000, t0.Add(3*time.Minute))); v.Accepted {
		t.Fatal("stray accepted")
	}
	if v := f.Check(fix(55.751244, 37.618423, t0.Add(4*time.Minute))); v.Accepted {
		t.Fatal("cluster survived a stray")
	}
	if v := f.Check(fix(55.751344, 37.618423, t0.Add(5*time.Minute))); v.Accepted {
		t.Fatal("cluster confirmed too early after reset")
	}
}

func TestCheck_ZeroTimeDeltaUsesFloor(t *testing.T) {
	f := NewFilter(testCfg())
	f.Check(fix(59.851624, 30.479838, t0))

	// Same received_at: implied speed uses a 1 s floor instead of dividing
	// by zero, and the teleport is still rejected.
	v := f.Check(fix(55.751244, 37.618423, t0))
	if v.Accepted {
		t.Fatal("zero-delta teleport accepted")
	}
}

func TestSeedLast_RestoresWarmState(t *testing.T) {
	cold := NewFilter(testCfg())
	cold.Check(fix(59.851624, 30.479838, t0))

	warm := NewFilter(testCfg())
	warm.SeedLast(fix(59.851624, 30.479838, t0))

	next := fix(55.751244, 37.618423, t0.Add(time.Minute))
	vc := cold.Check(next)
	vw := warm.Check(next)
	if vc != vw {
		t.Fatalf("warm restart diverged: cold=%+v warm=%+v", vc, vw)
	}
}
