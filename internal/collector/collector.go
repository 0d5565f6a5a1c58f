// Package collector periodically drains the capture map, publishes the
// result as an immutable snapshot and persists it.
package collector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"bwtrack/internal/capture"
	"bwtrack/model"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultRetries  = 1
)

// Sink receives one drain worth of rows.
type Sink interface {
	InsertBatch(ctx context.Context, records []model.BandwidthRecord, ipRecords []model.IPBandwidthRecord) error
}

// Collector owns the drain loop. Ticks never overlap: a tick that comes due
// while the previous one is still running is skipped.
type Collector struct {
	source   capture.Source
	sink     Sink
	logger   *zap.Logger
	clock    clock.Clock
	interval time.Duration
	retries  int
	names    NameResolver
	metrics  *metrics

	snapshot    atomic.Pointer[model.Snapshot]
	version     atomic.Uint64
	running     atomic.Bool
	lastDropped atomic.Uint64
	inflight    sync.WaitGroup
}

type Option func(*Collector)

func WithClock(c clock.Clock) Option {
	return func(col *Collector) { col.clock = c }
}

func WithInterval(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithRetries sets how many times a failed persist is retried before the
// batch is dropped.
func WithRetries(n int) Option {
	return func(c *Collector) {
		if n >= 0 {
			c.retries = n
		}
	}
}

func WithNames(r NameResolver) Option {
	return func(c *Collector) { c.names = r }
}

// WithMetrics registers the collector's metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Collector) { c.metrics = newMetrics(reg) }
}

func New(source capture.Source, sink Sink, logger *zap.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		source:   source,
		sink:     sink,
		logger:   logger.Named("collector"),
		clock:    clock.New(),
		interval: DefaultInterval,
		retries:  DefaultRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = newMetrics(nil)
	}
	return c
}

// Current returns the latest snapshot, or nil before the first tick.
func (c *Collector) Current() *model.Snapshot {
	return c.snapshot.Load()
}

// Run ticks until ctx is done, then waits for the tick in flight to finish.
// A tick in flight is not cancelled with ctx, so its batch is still written.
func (c *Collector) Run(ctx context.Context) error {
	ticker := c.clock.Ticker(c.interval)
	defer ticker.Stop()
	defer c.inflight.Wait()

	c.logger.Info("collector started", zap.Duration("interval", c.interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("collector stopping")
			return nil
		case <-ticker.C:
			if !c.running.CompareAndSwap(false, true) {
				c.metrics.skipped.Inc()
				c.logger.Warn("previous tick still running, skipping", zap.Duration("interval", c.interval))
				continue
			}
			c.inflight.Add(1)
			go func() {
				defer c.inflight.Done()
				defer c.running.Store(false)
				if err := c.Tick(context.WithoutCancel(ctx)); err != nil {
					c.logger.Error("tick failed", zap.Error(err))
				}
			}()
		}
	}
}

// Tick runs one drain, publish and persist cycle. A failed drain loses that
// interval's traffic; a failed persist is retried and then dropped. Either
// way the published snapshot stays consistent and the next tick starts
// clean.
func (c *Collector) Tick(ctx context.Context) error {
	start := c.clock.Now()
	c.metrics.ticks.Inc()
	defer func() { c.metrics.tickSeconds.Observe(c.clock.Since(start).Seconds()) }()

	entries, err := c.source.DrainAll(ctx)
	if err != nil {
		c.metrics.drainErrors.Inc()
		return fmt.Errorf("draining capture map: %w", err)
	}
	c.metrics.entries.Observe(float64(len(entries)))
	c.checkDropped()

	stats, records := aggregate(entries, start, c.names)
	for _, e := range entries {
		c.metrics.bytes.WithLabelValues(e.Key.Protocol.String(), e.Key.Direction.String()).Add(float64(e.Value.Bytes))
	}

	snap := &model.Snapshot{
		Version:   c.version.Add(1),
		Time:      start,
		Interval:  c.interval,
		Processes: stats,
	}
	c.snapshot.Store(snap)
	c.metrics.processes.Set(float64(len(stats)))

	if len(records) == 0 {
		return nil
	}
	if err := c.persist(ctx, records); err != nil {
		c.metrics.persistFails.Inc()
		return fmt.Errorf("dropping batch of %d records: %w", len(records), err)
	}
	c.logger.Debug("tick",
		zap.Uint64("version", snap.Version),
		zap.Int("entries", len(entries)),
		zap.Int("records", len(records)),
		zap.Int("processes", len(stats)))
	return nil
}

func (c *Collector) persist(ctx context.Context, records []model.BandwidthRecord) error {
	ips := ipRecords(records)
	attempt := 0
	op := func() error {
		attempt++
		return c.sink.InsertBatch(ctx, records, ips)
	}
	retry := func(err error, _ time.Duration) {
		c.metrics.retries.Inc()
		c.logger.Warn("retrying batch", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(c.retries)), ctx)
	return backoff.RetryNotify(op, b, retry)
}

func (c *Collector) checkDropped() {
	dc, ok := c.source.(capture.DropCounter)
	if !ok {
		return
	}
	n, err := dc.Dropped()
	if err != nil {
		c.logger.Debug("reading dropped events", zap.Error(err))
		return
	}
	prev := c.lastDropped.Swap(n)
	if n > prev {
		c.metrics.dropped.Add(float64(n - prev))
		c.logger.Warn("capture map full, events dropped", zap.Uint64("dropped", n-prev), zap.Uint64("total", n))
	}
}
