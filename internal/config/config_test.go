package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_DefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid default config, got error: %v", err)
	}
}

func TestValidate_NoMQTTHost(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Host = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty mqtt.host")
	}
}

func TestValidate_BadMQTTPort(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range mqtt.port")
	}
}

func TestValidate_NoDatabase(t *testing.T) {
	cfg := Default()
	cfg.Postgres.Database = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty postgres.database")
	}
}

func TestValidate_PoolMinExceedsMax(t *testing.T) {
	cfg := Default()
	cfg.Postgres.PoolMin = 20
	cfg.Postgres.PoolMax = 10
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for pool_min > pool_max")
	}
}

func TestValidate_NegativeTolerance(t *testing.T) {
	cfg := Default()
	cfg.HistoryPolicy.DefaultTolerance = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative default_tolerance")
	}
}

func TestValidate_NegativeKPITolerance(t *testing.T) {
	cfg := Default()
	cfg.HistoryPolicy.KPIAddrs = []KPIRegister{{Addr: 40034, Tolerance: -0.1, HeartbeatSec: 60}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative kpi tolerance")
	}
}

func TestValidate_ConfirmPointsTooSmall(t *testing.T) {
	cfg := Default()
	cfg.GPSFilter.ConfirmPoints = 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for confirm_points < 2")
	}
}

func TestValidate_ZeroQueueMax(t *testing.T) {
	cfg := Default()
	cfg.Ingest.QueueMax = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for queue_max = 0")
	}
}

func TestValidate_ZeroWorkerCount(t *testing.T) {
	cfg := Default()
	cfg.Ingest.WorkerCount = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for worker_count = 0")
	}
}

func TestValidate_ZeroRetentionBatch(t *testing.T) {
	cfg := Default()
	cfg.Retention.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for retention.batch_size = 0")
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	yaml := `
mqtt:
  host: broker.example.net
  port: 8883
  tls: true
postgres:
  host: db.example.net
  database: telemetry
  user: cg
  password: secret
gps_filter:
  max_jump_m: 500
history_policy:
  default_tolerance: 0.2
  kpi_addrs:
    - addr: 40034
      heartbeat_sec: 60
      tolerance: 0.1
retention:
  gps_raw_hours: 48
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.MQTT.Host != "broker.example.net" {
		t.Errorf("mqtt.host = %q, want broker.example.net", cfg.MQTT.Host)
	}
	if cfg.MQTT.Port != 8883 || !cfg.MQTT.TLS {
		t.Errorf("mqtt port/tls = %d/%v, want 8883/true", cfg.MQTT.Port, cfg.MQTT.TLS)
	}
	if cfg.GPSFilter.MaxJumpM != 500 {
		t.Errorf("gps_filter.max_jump_m = %g, want 500", cfg.GPSFilter.MaxJumpM)
	}
	// Untouched keys keep defaults.
	if cfg.GPSFilter.SatsMin != 4 {
		t.Errorf("gps_filter.sats_min = %d, want default 4", cfg.GPSFilter.SatsMin)
	}
	if cfg.Retention.GPSRawHours != 48 {
		t.Errorf("retention.gps_raw_hours = %d, want 48", cfg.Retention.GPSRawHours)
	}
	if cfg.Retention.HistoryDays != 30 {
		t.Errorf("retention.history_days = %d, want default 30", cfg.Retention.HistoryDays)
	}

	kpi := cfg.HistoryPolicy.KPIMap()
	if k, ok := kpi[40034]; !ok || k.HeartbeatSec != 60 || k.Tolerance != 0.1 {
		t.Errorf("kpi_addrs[40034] = %+v, ok=%v", k, ok)
	}
}

func TestLoad_EnvOverlay(t *testing.T) {
	t.Setenv("CG_INGESTER_MQTT__HOST", "env-broker")
	t.Setenv("CG_INGESTER_POSTGRES__DATABASE", "env-db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MQTT.Host != "env-broker" {
		t.Errorf("mqtt.host = %q, want env-broker", cfg.MQTT.Host)
	}
	if cfg.Postgres.Database != "env-db" {
		t.Errorf("postgres.database = %q, want env-db", cfg.Postgres.Database)
	}
}

func TestDSN(t *testing.T) {
	p := PostgresConfig{Host: "h", Port: 5433, Database: "d", User: "u", Password: "p"}
	want := "host=h port=5433 dbname=d user=u password=p"
	if got := p.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
