package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/cg-telemetry/cg-ingester/internal/catalog"
	"github.com/cg-telemetry/cg-ingester/internal/gps"
	"github.com/cg-telemetry/cg-ingester/internal/history"
	"github.com/cg-telemetry/cg-ingester/internal/metrics"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

// Key identifies one register's latest_state / history series.
type Key struct {
	RouterSN  string
	EquipType string
	PanelID   int
	Addr      int
}

// Event is an append-only events row.
type Event struct {
	RouterSN    string
	EquipType   string // empty = NULL
	PanelID     *int
	Type        string
	Description string
	Payload     map[string]any
}

// GPSWrite is the atomic unit for one inbound GPS fix: the raw row always,
// the latest row only when accepted, plus any reject events.
type GPSWrite struct {
	RouterSN     string
	Fix          gps.Fix
	Accepted     bool
	RejectReason string
	UpdateLatest bool
	RawPayload   []byte // original broker payload, archived when configured
	Events       []Event
}

type LatestRow struct {
	Key    Key
	Sample history.Sample
}

type HistoryRow struct {
	Key         Key
	Sample      history.Sample
	WriteReason string
}

// DecodedWrite is the atomic unit for one decoded panel message: equipment
// refresh, latest_state upserts, history appends and events commit together,
// so a crash never leaves a history row without its latest_state update.
type DecodedWrite struct {
	RouterSN  string
	EquipType string
	PanelID   int
	Now       time.Time
	Latest    []LatestRow
	History   []HistoryRow
	Events    []Event
}

// Store is the PostgreSQL persistence port. All methods classify failures
// as ErrTransient or ErrFatal.
type Store struct {
	pool        *pgxpool.Pool
	logger      *zap.Logger
	archiveRaw  bool
	compressRaw bool
}

func New(pool *pgxpool.Pool, logger *zap.Logger, archiveRawPayload, compressRawPayload bool) *Store {
	return &Store{
		pool:        pool,
		logger:      logger,
		archiveRaw:  archiveRawPayload,
		compressRaw: compressRawPayload,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", classify(err))
	}
	return nil
}

func (s *Store) UpsertObject(ctx context.Context, routerSN string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO objects (router_sn) VALUES ($1)
		ON CONFLICT (router_sn) DO UPDATE SET updated_at = now()`,
		routerSN,
	)
	if err != nil {
		return fmt.Errorf("upsert object: %w", classify(err))
	}
	return nil
}

func (s *Store) UpsertEquipment(ctx context.Context, routerSN, equipType string, panelID int, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO equipment (router_sn, equip_type, panel_id, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (router_sn, equip_type, panel_id)
		DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at`,
		routerSN, equipType, panelID, now,
	)
	if err != nil {
		return fmt.Errorf("upsert equipment: %w", classify(err))
	}
	return nil
}

// LoadCatalog reads the full register catalog for the in-memory cache.
func (s *Store) LoadCatalog(ctx context.Context) (map[catalog.Key]catalog.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT equip_type, addr, name_default, unit_default, value_kind,
		       tolerance, min_interval_sec, heartbeat_sec, store_history
		FROM register_catalog`)
	if err != nil {
		return nil, fmt.Errorf("query register_catalog: %w", classify(err))
	}
	defer rows.Close()

	entries := make(map[catalog.Key]catalog.Entry)
	for rows.Next() {
		var e catalog.Entry
		var nameDefault, unitDefault, valueKind *string
		if err := rows.Scan(&e.EquipType, &e.Addr, &nameDefault, &unitDefault, &valueKind,
			&e.Tolerance, &e.MinIntervalSec, &e.HeartbeatSec, &e.StoreHistory); err != nil {
			return nil, fmt.Errorf("scan register_catalog: %w", classify(err))
		}
		if nameDefault != nil {
			e.NameDefault = *nameDefault
		}
		if unitDefault != nil {
			e.UnitDefault = *unitDefault
		}
		e.ValueKind = catalog.KindAnalog
		if valueKind != nil && *valueKind != "" {
			e.ValueKind = *valueKind
		}
		entries[catalog.Key{EquipType: e.EquipType, Addr: e.Addr}] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate register_catalog: %w", classify(err))
	}
	return entries, nil
}

// WriteGPS persists one fix atomically: object upsert, raw append, latest
// overwrite when accepted, and any events.
func (s *Store) WriteGPS(ctx context.Context, w GPSWrite) error {
	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin gps tx: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO objects (router_sn) VALUES ($1)
		ON CONFLICT (router_sn) DO UPDATE SET updated_at = now()`,
		w.RouterSN,
	); err != nil {
		return fmt.Errorf("upsert object: %w", classify(err))
	}

	var payload []byte
	if s.archiveRaw && w.RawPayload != nil {
		if s.compressRaw {
			payload = zstdEncoder.EncodeAll(w.RawPayload, nil)
		} else {
			payload = w.RawPayload
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO gps_raw_history
		  (router_sn, gps_time, received_at, lat, lon, satellites, fix_status,
		   accepted, reject_reason, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.RouterSN, nilIfZeroTime(w.Fix.GPSTime), w.Fix.ReceivedAt,
		w.Fix.Lat, w.Fix.Lon, w.Fix.Satellites, w.Fix.FixStatus,
		w.Accepted, nilIfEmpty(w.RejectReason), payload,
	); err != nil {
		return fmt.Errorf("insert gps_raw_history: %w", classify(err))
	}

	if w.Accepted && w.UpdateLatest {
		if _, err := tx.Exec(ctx, `
			INSERT INTO gps_latest_filtered
			  (router_sn, gps_time, received_at, lat, lon, satellites, fix_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (router_sn) DO UPDATE SET
			  gps_time    = EXCLUDED.gps_time,
			  received_at = EXCLUDED.received_at,
			  lat         = EXCLUDED.lat,
			  lon         = EXCLUDED.lon,
			  satellites  = EXCLUDED.satellites,
			  fix_status  = EXCLUDED.fix_status`,
			w.RouterSN, nilIfZeroTime(w.Fix.GPSTime), w.Fix.ReceivedAt,
			w.Fix.Lat, w.Fix.Lon, w.Fix.Satellites, w.Fix.FixStatus,
		); err != nil {
			return fmt.Errorf("upsert gps_latest_filtered: %w", classify(err))
		}
	}

	if err := insertEvents(ctx, tx, w.Events); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit gps tx: %w", classify(err))
	}

	metrics.DBWriteDuration.WithLabelValues("gps").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("gps_raw_history", "insert").Inc()
	return nil
}

// LoadGPSLatestAll restores the filter seed state at startup.
func (s *Store) LoadGPSLatestAll(ctx context.Context) (map[string]gps.Fix, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT router_sn, gps_time, received_at, lat, lon, satellites, fix_status
		FROM gps_latest_filtered`)
	if err != nil {
		return nil, fmt.Errorf("query gps_latest_filtered: %w", classify(err))
	}
	defer rows.Close()

	out := make(map[string]gps.Fix)
	for rows.Next() {
		var sn string
		var fix gps.Fix
		var gpsTime *time.Time
		if err := rows.Scan(&sn, &gpsTime, &fix.ReceivedAt, &fix.Lat, &fix.Lon,
			&fix.Satellites, &fix.FixStatus); err != nil {
			return nil, fmt.Errorf("scan gps_latest_filtered: %w", classify(err))
		}
		if gpsTime != nil {
			fix.GPSTime = *gpsTime
		}
		out[sn] = fix
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gps_latest_filtered: %w", classify(err))
	}
	return out, nil
}

// LoadLatestStateAll restores per-key history policy state at startup.
func (s *Store) LoadLatestStateAll(ctx context.Context) (map[Key]history.Sample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT router_sn, equip_type, panel_id, addr, ts, value, raw, text, unit, name, reason
		FROM latest_state`)
	if err != nil {
		return nil, fmt.Errorf("query latest_state: %w", classify(err))
	}
	defer rows.Close()

	out := make(map[Key]history.Sample)
	for rows.Next() {
		var k Key
		var sm history.Sample
		var ts *time.Time
		if err := rows.Scan(&k.RouterSN, &k.EquipType, &k.PanelID, &k.Addr,
			&ts, &sm.Value, &sm.Raw, &sm.Text, &sm.Unit, &sm.Name, &sm.Reason); err != nil {
			return nil, fmt.Errorf("scan latest_state: %w", classify(err))
		}
		if ts != nil {
			sm.Ts = *ts
		}
		out[k] = sm
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest_state: %w", classify(err))
	}
	return out, nil
}

// WriteDecoded persists one decoded panel message atomically.
func (s *Store) WriteDecoded(ctx context.Context, w DecodedWrite) error {
	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin decoded tx: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO objects (router_sn) VALUES ($1)
		ON CONFLICT (router_sn) DO UPDATE SET updated_at = now()`,
		w.RouterSN,
	); err != nil {
		return fmt.Errorf("upsert object: %w", classify(err))
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO equipment (router_sn, equip_type, panel_id, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (router_sn, equip_type, panel_id)
		DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at`,
		w.RouterSN, w.EquipType, w.PanelID, w.Now,
	); err != nil {
		return fmt.Errorf("upsert equipment: %w", classify(err))
	}

	for _, row := range w.Latest {
		if _, err := tx.Exec(ctx, `
			INSERT INTO latest_state
			  (router_sn, equip_type, panel_id, addr, ts, value, raw, text, unit, name, reason, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now())
			ON CONFLICT (router_sn, equip_type, panel_id, addr) DO UPDATE SET
			  ts = EXCLUDED.ts,
			  value = EXCLUDED.value,
			  raw = EXCLUDED.raw,
			  text = EXCLUDED.text,
			  unit = EXCLUDED.unit,
			  name = EXCLUDED.name,
			  reason = EXCLUDED.reason,
			  updated_at = now()`,
			row.Key.RouterSN, row.Key.EquipType, row.Key.PanelID, row.Key.Addr,
			nilIfZeroTime(row.Sample.Ts), row.Sample.Value, row.Sample.Raw,
			row.Sample.Text, row.Sample.Unit, row.Sample.Name, row.Sample.Reason,
		); err != nil {
			return fmt.Errorf("upsert latest_state: %w", classify(err))
		}
	}

	for _, row := range w.History {
		if _, err := tx.Exec(ctx, `
			INSERT INTO history
			  (router_sn, equip_type, panel_id, addr, ts, received_at, value, raw, text, reason, write_reason)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			row.Key.RouterSN, row.Key.EquipType, row.Key.PanelID, row.Key.Addr,
			nilIfZeroTime(row.Sample.Ts), w.Now, row.Sample.Value, row.Sample.Raw,
			row.Sample.Text, row.Sample.Reason, row.WriteReason,
		); err != nil {
			return fmt.Errorf("insert history: %w", classify(err))
		}
	}

	if err := insertEvents(ctx, tx, w.Events); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit decoded tx: %w", classify(err))
	}

	metrics.DBWriteDuration.WithLabelValues("decoded").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("latest_state", "upsert").Add(float64(len(w.Latest)))
	metrics.DBRowsAffectedTotal.WithLabelValues("history", "insert").Add(float64(len(w.History)))
	return nil
}

// InsertEvent appends a single event outside any message transaction
// (watchdog transitions).
func (s *Store) InsertEvent(ctx context.Context, ev Event) error {
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", classify(err))
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (router_sn, equip_type, panel_id, type, description, payload)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb)`,
		ev.RouterSN, nilIfEmpty(ev.EquipType), ev.PanelID, ev.Type,
		nilIfEmpty(ev.Description), payload,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", classify(err))
	}
	metrics.EventsTotal.WithLabelValues(ev.Type).Inc()
	return nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, events []Event) error {
	for _, ev := range events {
		payload, err := marshalPayload(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", classify(err))
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO events (router_sn, equip_type, panel_id, type, description, payload)
			VALUES ($1,$2,$3,$4,$5,$6::jsonb)`,
			ev.RouterSN, nilIfEmpty(ev.EquipType), ev.PanelID, ev.Type,
			nilIfEmpty(ev.Description), payload,
		); err != nil {
			return fmt.Errorf("insert event: %w", classify(err))
		}
		metrics.EventsTotal.WithLabelValues(ev.Type).Inc()
	}
	return nil
}

// retentionTables maps deletable tables to their surrogate key used by the
// bounded delete subquery. latest_state and gps_latest_filtered are
// deliberately absent.
var retentionTables = map[string]bool{
	"gps_raw_history": true,
	"history":         true,
	"events":          true,
}

var retentionColumns = map[string]bool{
	"received_at": true,
	"created_at":  true,
}

// DeleteOlderThan removes at most batchSize rows older than cutoff and
// returns the count. Idempotent; callers loop until zero.
func (s *Store) DeleteOlderThan(ctx context.Context, table, column string, cutoff time.Time, batchSize int) (int64, error) {
	if !retentionTables[table] {
		return 0, fmt.Errorf("delete_older_than: table %q is not retention-managed: %w", table, ErrFatal)
	}
	if !retentionColumns[column] {
		return 0, fmt.Errorf("delete_older_than: column %q is not a retention column: %w", column, ErrFatal)
	}

	safeTable := pgx.Identifier{table}.Sanitize()
	safeColumn := pgx.Identifier{column}.Sanitize()

	start := time.Now()
	sql := fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
		  SELECT id FROM %s WHERE %s < $1 ORDER BY id LIMIT $2
		)`, safeTable, safeTable, safeColumn)

	tag, err := s.pool.Exec(ctx, sql, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, classify(err))
	}

	deleted := tag.RowsAffected()
	metrics.DBWriteDuration.WithLabelValues("retention").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues(table, "delete").Add(float64(deleted))
	return deleted, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func marshalPayload(payload map[string]any) (any, error) {
	if payload == nil {
		return nil, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
