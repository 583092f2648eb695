package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
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

const (
	retryBaseBackoff = 500 * time.Millisecond
	retryMaxBackoff  = 5 * time.Second
)

// NewRetryWriter wraps a StoreWriter with per-operation timeouts and
// bounded retries. Transient failures are retried with exponential backoff;
// fatal failures return immediately.
func NewRetryWriter(inner StoreWriter, cfg config.IngestConfig, logger *zap.Logger) StoreWriter {
	return &retryWriter{
		inner:   inner,
		timeout: time.Duration(cfg.OpTimeoutSec) * time.Second,
		retries: cfg.OpRetries,
		logger:  logger,
	}
}

type retryWriter struct {
	inner   StoreWriter
	timeout time.Duration
	retries int
	logger  *zap.Logger
}

func (r *retryWriter) WriteGPS(ctx context.Context, w store.GPSWrite) error {
	return r.do(ctx, "gps", func(opCtx context.Context) error {
		return r.inner.WriteGPS(opCtx, w)
	})
}

func (r *retryWriter) WriteDecoded(ctx context.Context, w store.DecodedWrite) error {
	return r.do(ctx, "decoded", func(opCtx context.Context) error {
		return r.inner.WriteDecoded(opCtx, w)
	})
}

func (r *retryWriter) do(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			metrics.StoreRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffFor(attempt)):
			}
		}

		opCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err = fn(opCtx)
		cancel()

		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrFatal) || ctx.Err() != nil {
			return err
		}
		r.logger.Warn("store write failed, will retry",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", r.retries+1),
			zap.Error(err),
		)
	}
	return err
}

func backoffFor(attempt int) time.Duration {
	d := retryBaseBackoff << (attempt - 1)
	if d > retryMaxBackoff {
		return retryMaxBackoff
	}
	return d
}

// Pool fans messages out to worker goroutines over bounded channels. Messages
// are partitioned by router serial so every router's stream is handled by a
// single worker, preserving per-router ordering.
type Pool struct {
	cfg      config.IngestConfig
	queues   []chan Message
	handlers []*Handler
	logger   *zap.Logger

	fatal    chan error
	fatalOne sync.Once
	wg       sync.WaitGroup
}

func NewPool(cfg *config.Config, cat *catalog.Cache, writer StoreWriter, tracker *watchdog.Tracker, clk clock.Clock, logger *zap.Logger) *Pool {
	n := cfg.Ingest.WorkerCount
	p := &Pool{
		cfg:      cfg.Ingest,
		queues:   make([]chan Message, n),
		handlers: make([]*Handler, n),
		logger:   logger,
		fatal:    make(chan error, 1),
	}
	for i := 0; i < n; i++ {
		p.queues[i] = make(chan Message, cfg.Ingest.QueueMax)
		p.handlers[i] = NewHandler(cfg, cat, writer, tracker, clk,
			logger.With(zap.Int("worker", i)))
	}
	return p
}

func (p *Pool) partition(routerSN string) int {
	h := fnv.New32a()
	h.Write([]byte(routerSN))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// SeedGPS routes restored filter state to the worker owning the router.
func (p *Pool) SeedGPS(routerSN string, fix gps.Fix) {
	p.handlers[p.partition(routerSN)].SeedGPS(routerSN, fix)
}

// SeedLatest routes restored policy state to the worker owning the router.
func (p *Pool) SeedLatest(key store.Key, s history.Sample, now time.Time) {
	p.handlers[p.partition(key.RouterSN)].SeedLatest(key, s, now)
}

// Enqueue hands one parsed message to its partition. With drop_oldest the
// queue sheds its head under pressure; otherwise the send blocks, pushing
// backpressure up into the broker client.
func (p *Pool) Enqueue(msg Message) {
	idx := p.partition(msg.Route.RouterSN)
	q := p.queues[idx]

	if p.cfg.DropOldest {
		for {
			select {
			case q <- msg:
				metrics.QueueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(len(q)))
				return
			default:
				select {
				case <-q:
					metrics.DroppedMessagesTotal.WithLabelValues("queue_full").Inc()
					p.logger.Warn("queue full, dropped oldest message",
						zap.Int("worker", idx),
						zap.String("router_sn", msg.Route.RouterSN))
				default:
				}
			}
		}
	}

	q <- msg
	metrics.QueueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(len(q)))
}

// Start launches the worker goroutines. They exit when the context is
// canceled or their queue is closed by Stop.
func (p *Pool) Start(ctx context.Context) {
	for i := range p.queues {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("ingest workers started", zap.Int("count", len(p.queues)))
}

// Stop closes the queues and waits for workers to drain what they already
// hold. Callers bound the wait with their own context.
func (p *Pool) Stop() {
	for _, q := range p.queues {
		close(q)
	}
	p.wg.Wait()
}

// Fatal reports the first non-recoverable store error. The supervisor treats
// it as a shutdown trigger.
func (p *Pool) Fatal() <-chan error {
	return p.fatal
}

func (p *Pool) run(ctx context.Context, idx int) {
	defer p.wg.Done()
	q := p.queues[idx]
	h := p.handlers[idx]
	label := strconv.Itoa(idx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-q:
			if !ok {
				return
			}
			metrics.QueueDepth.WithLabelValues(label).Set(float64(len(q)))
			if err := h.Process(ctx, msg); err != nil {
				if errors.Is(err, store.ErrFatal) {
					p.fatalOne.Do(func() { p.fatal <- err })
					return
				}
				metrics.DroppedMessagesTotal.WithLabelValues("store_error").Inc()
				h.logger.Error("message dropped after retries",
					zap.String("router_sn", msg.Route.RouterSN),
					zap.String("kind", msg.Route.Kind),
					zap.Error(err),
				)
			}
		}
	}
}
