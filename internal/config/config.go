package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	MQTT          MQTTConfig          `koanf:"mqtt"`
	Postgres      PostgresConfig      `koanf:"postgres"`
	GPSFilter     GPSFilterConfig     `koanf:"gps_filter"`
	HistoryPolicy HistoryPolicyConfig `koanf:"history_policy"`
	EventsPolicy  EventsPolicyConfig  `koanf:"events_policy"`
	Retention     RetentionConfig     `koanf:"retention"`
	Ingest        IngestConfig        `koanf:"ingest"`
	Logging       LoggingConfig       `koanf:"logging"`
	HTTP          HTTPConfig          `koanf:"http"`
}

type MQTTConfig struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	Username     string `koanf:"username"`
	Password     string `koanf:"password"`
	TLS          bool   `koanf:"tls"`
	ClientID     string `koanf:"client_id"`
	KeepaliveSec int    `koanf:"keepalive_sec"`
	TopicGPS     string `koanf:"topic_gps"`
	TopicDecoded string `koanf:"topic_decoded"`
}

type PostgresConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Database string `koanf:"database"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	PoolMin  int32  `koanf:"pool_min"`
	PoolMax  int32  `koanf:"pool_max"`
}

// DSN builds a keyword/value connection string for pgx.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		p.Host, p.Port, p.Database, p.User, p.Password)
}

type GPSFilterConfig struct {
	SatsMin        int     `koanf:"sats_min"`
	FixMin         int     `koanf:"fix_min"`
	MaxJumpM       float64 `koanf:"max_jump_m"`
	MaxSpeedKmh    float64 `koanf:"max_speed_kmh"`
	ConfirmPoints  int     `koanf:"confirm_points"`
	ConfirmRadiusM float64 `koanf:"confirm_radius_m"`
}

type KPIRegister struct {
	Addr         int     `koanf:"addr"`
	HeartbeatSec int     `koanf:"heartbeat_sec"`
	Tolerance    float64 `koanf:"tolerance"`
}

type HistoryPolicyConfig struct {
	DefaultTolerance      float64       `koanf:"default_tolerance"`
	DefaultMinIntervalSec int           `koanf:"default_min_interval_sec"`
	DefaultHeartbeatSec   int           `koanf:"default_heartbeat_sec"`
	KPIAddrs              []KPIRegister `koanf:"kpi_addrs"`
}

// KPIMap indexes kpi_addrs by register address.
func (h HistoryPolicyConfig) KPIMap() map[int]KPIRegister {
	m := make(map[int]KPIRegister, len(h.KPIAddrs))
	for _, k := range h.KPIAddrs {
		m[k.Addr] = k
	}
	return m
}

type EventsPolicyConfig struct {
	RouterOfflineSec            int  `koanf:"router_offline_sec"`
	StaleRegisterSec            int  `koanf:"stale_register_sec"`
	WatchdogIntervalSec         int  `koanf:"watchdog_interval_sec"`
	EnableGPSRejectEvents       bool `koanf:"enable_gps_reject_events"`
	EnableUnknownRegisterEvents bool `koanf:"enable_unknown_register_events"`
}

type RetentionConfig struct {
	GPSRawHours        int `koanf:"gps_raw_hours"`
	HistoryDays        int `koanf:"history_days"`
	EventsDays         int `koanf:"events_days"`
	BatchSize          int `koanf:"batch_size"`
	CleanupIntervalSec int `koanf:"cleanup_interval_sec"`
	MaxBatchesPerCycle int `koanf:"max_batches_per_cycle"`
}

type IngestConfig struct {
	QueueMax                int  `koanf:"queue_max"`
	WorkerCount             int  `koanf:"worker_count"`
	OpTimeoutSec            int  `koanf:"op_timeout_sec"`
	OpRetries               int  `koanf:"op_retries"`
	DropOldest              bool `koanf:"drop_oldest"`
	StoreRawPayload         bool `koanf:"store_raw_payload"`
	StoreRawPayloadCompress bool `koanf:"store_raw_payload_compress"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

type HTTPConfig struct {
	Listen string `koanf:"listen"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: CG_INGESTER_MQTT__HOST → mqtt.host
	if err := k.Load(env.Provider("CG_INGESTER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "CG_INGESTER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := Default()

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Host:         "localhost",
			Port:         1883,
			ClientID:     "cg-ingester",
			KeepaliveSec: 60,
			TopicGPS:     "cg/v1/telemetry/SN/+",
			TopicDecoded: "cg/v1/decoded/SN/+/pcc/+",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "cg_telemetry",
			PoolMin:  2,
			PoolMax:  10,
		},
		GPSFilter: GPSFilterConfig{
			SatsMin:        4,
			FixMin:         1,
			MaxJumpM:       1000,
			MaxSpeedKmh:    150,
			ConfirmPoints:  3,
			ConfirmRadiusM: 50,
		},
		HistoryPolicy: HistoryPolicyConfig{
			DefaultTolerance:      0.5,
			DefaultMinIntervalSec: 10,
			DefaultHeartbeatSec:   900,
		},
		EventsPolicy: EventsPolicyConfig{
			RouterOfflineSec:            300,
			StaleRegisterSec:            1800,
			WatchdogIntervalSec:         30,
			EnableGPSRejectEvents:       true,
			EnableUnknownRegisterEvents: true,
		},
		Retention: RetentionConfig{
			GPSRawHours:        72,
			HistoryDays:        30,
			EventsDays:         90,
			BatchSize:          5000,
			CleanupIntervalSec: 3600,
			MaxBatchesPerCycle: 20,
		},
		Ingest: IngestConfig{
			QueueMax:                10000,
			WorkerCount:             1,
			OpTimeoutSec:            10,
			OpRetries:               3,
			StoreRawPayloadCompress: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
	}
}

func (c *Config) Validate() error {
	if c.MQTT.Host == "" {
		return fmt.Errorf("config: mqtt.host is required")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("config: mqtt.port is invalid (got %d)", c.MQTT.Port)
	}
	if c.MQTT.TopicGPS == "" || c.MQTT.TopicDecoded == "" {
		return fmt.Errorf("config: mqtt.topic_gps and mqtt.topic_decoded are required")
	}
	if c.Postgres.Host == "" {
		return fmt.Errorf("config: postgres.host is required")
	}
	if c.Postgres.Database == "" {
		return fmt.Errorf("config: postgres.database is required")
	}
	if c.Postgres.PoolMax <= 0 {
		return fmt.Errorf("config: postgres.pool_max must be > 0 (got %d)", c.Postgres.PoolMax)
	}
	if c.Postgres.PoolMin < 0 || c.Postgres.PoolMin > c.Postgres.PoolMax {
		return fmt.Errorf("config: postgres.pool_min must be in [0, pool_max] (got %d)", c.Postgres.PoolMin)
	}
	if c.GPSFilter.SatsMin < 0 {
		return fmt.Errorf("config: gps_filter.sats_min must be >= 0 (got %d)", c.GPSFilter.SatsMin)
	}
	if c.GPSFilter.MaxJumpM <= 0 {
		return fmt.Errorf("config: gps_filter.max_jump_m must be > 0 (got %g)", c.GPSFilter.MaxJumpM)
	}
	if c.GPSFilter.MaxSpeedKmh <= 0 {
		return fmt.Errorf("config: gps_filter.max_speed_kmh must be > 0 (got %g)", c.GPSFilter.MaxSpeedKmh)
	}
	if c.GPSFilter.ConfirmPoints < 2 {
		return fmt.Errorf("config: gps_filter.confirm_points must be >= 2 (got %d)", c.GPSFilter.ConfirmPoints)
	}
	if c.GPSFilter.ConfirmRadiusM <= 0 {
		return fmt.Errorf("config: gps_filter.confirm_radius_m must be > 0 (got %g)", c.GPSFilter.ConfirmRadiusM)
	}
	if c.HistoryPolicy.DefaultTolerance < 0 {
		return fmt.Errorf("config: history_policy.default_tolerance must be >= 0 (got %g)", c.HistoryPolicy.DefaultTolerance)
	}
	if c.HistoryPolicy.DefaultMinIntervalSec < 0 {
		return fmt.Errorf("config: history_policy.default_min_interval_sec must be >= 0 (got %d)", c.HistoryPolicy.DefaultMinIntervalSec)
	}
	for _, k := range c.HistoryPolicy.KPIAddrs {
		if k.Tolerance < 0 {
			return fmt.Errorf("config: history_policy.kpi_addrs[%d].tolerance must be >= 0 (got %g)", k.Addr, k.Tolerance)
		}
		if k.HeartbeatSec < 0 {
			return fmt.Errorf("config: history_policy.kpi_addrs[%d].heartbeat_sec must be >= 0 (got %d)", k.Addr, k.HeartbeatSec)
		}
	}
	if c.EventsPolicy.RouterOfflineSec <= 0 {
		return fmt.Errorf("config: events_policy.router_offline_sec must be > 0 (got %d)", c.EventsPolicy.RouterOfflineSec)
	}
	if c.EventsPolicy.WatchdogIntervalSec <= 0 {
		return fmt.Errorf("config: events_policy.watchdog_interval_sec must be > 0 (got %d)", c.EventsPolicy.WatchdogIntervalSec)
	}
	if c.Retention.BatchSize <= 0 {
		return fmt.Errorf("config: retention.batch_size must be > 0 (got %d)", c.Retention.BatchSize)
	}
	if c.Retention.CleanupIntervalSec <= 0 {
		return fmt.Errorf("config: retention.cleanup_interval_sec must be > 0 (got %d)", c.Retention.CleanupIntervalSec)
	}
	if c.Retention.MaxBatchesPerCycle <= 0 {
		return fmt.Errorf("config: retention.max_batches_per_cycle must be > 0 (got %d)", c.Retention.MaxBatchesPerCycle)
	}
	if c.Ingest.QueueMax <= 0 {
		return fmt.Errorf("config: ingest.queue_max must be > 0 (got %d)", c.Ingest.QueueMax)
	}
	if c.Ingest.WorkerCount <= 0 {
		return fmt.Errorf("config: ingest.worker_count must be > 0 (got %d)", c.Ingest.WorkerCount)
	}
	if c.Ingest.OpTimeoutSec <= 0 {
		return fmt.Errorf("config: ingest.op_timeout_sec must be > 0 (got %d)", c.Ingest.OpTimeoutSec)
	}
	if c.Ingest.OpRetries < 0 {
		return fmt.Errorf("config: ingest.op_retries must be >= 0 (got %d)", c.Ingest.OpRetries)
	}
	if c.HTTP.Listen == "" {
		return fmt.Errorf("config: http.listen is required")
	}
	return nil
}
