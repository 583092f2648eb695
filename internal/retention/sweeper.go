package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cg-telemetry/cg-ingester/internal/clock"
	"github.com/cg-telemetry/cg-ingester/internal/config"
	"github.com/cg-telemetry/cg-ingester/internal/metrics"
)

// Deleter is the bounded-delete slice of the store. Satisfied by *store.Store.
type Deleter interface {
	DeleteOlderThan(ctx context.Context, table, column string, cutoff time.Time, batchSize int) (int64, error)
}

type target struct {
	table   string
	column  string
	horizon time.Duration
}

// Sweeper prunes append-only tables past their configured horizons. Deletes
// run in bounded batches so a backlog never turns into one giant transaction.
// latest_state and gps_latest_filtered are never touched.
type Sweeper struct {
	deleter Deleter
	cfg     config.RetentionConfig
	clk     clock.Clock
	logger  *zap.Logger
}

func New(deleter Deleter, cfg config.RetentionConfig, clk clock.Clock, logger *zap.Logger) *Sweeper {
	return &Sweeper{deleter: deleter, cfg: cfg, clk: clk, logger: logger}
}

func (s *Sweeper) targets() []target {
	return []target{
		{"gps_raw_history", "received_at", time.Duration(s.cfg.GPSRawHours) * time.Hour},
		{"history", "received_at", time.Duration(s.cfg.HistoryDays) * 24 * time.Hour},
		{"events", "created_at", time.Duration(s.cfg.EventsDays) * 24 * time.Hour},
	}
}

// Run sweeps once immediately, then on every cleanup interval tick.
func (s *Sweeper) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.CleanupIntervalSec) * time.Second
	s.logger.Info("retention sweeper started", zap.Duration("interval", interval))

	s.Sweep(ctx, s.clk.Now())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, s.clk.Now())
		}
	}
}

// Sweep runs one retention pass at the given instant. A zero horizon disables
// pruning for its table. Per-table failures are logged and do not stop the
// remaining tables.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	for _, t := range s.targets() {
		if t.horizon <= 0 {
			continue
		}
		if err := s.sweepTable(ctx, t, now.Add(-t.horizon)); err != nil {
			s.logger.Error("retention sweep failed",
				zap.String("table", t.table), zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Sweeper) sweepTable(ctx context.Context, t target, cutoff time.Time) error {
	var total int64
	for batch := 0; batch < s.cfg.MaxBatchesPerCycle; batch++ {
		deleted, err := s.deleter.DeleteOlderThan(ctx, t.table, t.column, cutoff, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		total += deleted
		metrics.RetentionDeletedTotal.WithLabelValues(t.table).Add(float64(deleted))
		if deleted < int64(s.cfg.BatchSize) {
			break
		}
	}
	if total > 0 {
		s.logger.Info("retention pruned rows",
			zap.String("table", t.table),
			zap.Int64("rows", total),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}
