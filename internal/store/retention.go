package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cleanupChunk bounds how many rows one delete transaction removes, so a
// large cleanup gives the collector's insert a turn between chunks.
const cleanupChunk = 5000

// CleanupResult counts what one cleanup removed.
type CleanupResult struct {
	Cutoff  time.Time
	Records int64
	IPRows  int64
	Rollups int64
}

func (r CleanupResult) Total() int64 { return r.Records + r.IPRows + r.Rollups }

// Cleanup deletes everything older than maxAgeDays.
func (s *Store) Cleanup(ctx context.Context, maxAgeDays int) (CleanupResult, error) {
	if maxAgeDays <= 0 {
		return CleanupResult{}, fmt.Errorf("cleanup: max age must be positive, got %d days", maxAgeDays)
	}
	cutoff := s.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	return s.CleanupBefore(ctx, cutoff)
}

// CleanupBefore deletes raw rows with a time before cutoff and the rollups
// of hours that end at or before it. The rollup of the hour cutoff falls in
// is rebuilt from the raw rows that remain. Running it twice with the same
// cutoff deletes nothing the second time. Rows inserted meanwhile are newer
// than any sane cutoff and are never touched.
func (s *Store) CleanupBefore(ctx context.Context, cutoff time.Time) (CleanupResult, error) {
	res := CleanupResult{Cutoff: cutoff}
	if err := s.check(); err != nil {
		return res, err
	}
	c := nanos(cutoff)

	var err error
	if res.Records, err = s.deleteChunked(ctx, "bandwidth_records", "time", c); err != nil {
		return res, err
	}
	if res.IPRows, err = s.deleteChunked(ctx, "ip_bandwidth", "time", c); err != nil {
		return res, err
	}
	if res.Rollups, err = s.trimRollups(ctx, cutoff); err != nil {
		return res, err
	}

	s.logger.Info("retention cleanup",
		zap.Time("cutoff", res.Cutoff),
		zap.Int64("records", res.Records),
		zap.Int64("ip_rows", res.IPRows),
		zap.Int64("rollups", res.Rollups))
	return res, nil
}

const rebuildHourly = `INSERT INTO hourly_stats
	(hour_start, process_name, total_tx, total_rx, tcp_tx, tcp_rx, udp_tx, udp_rx)
	SELECT ?, process_name, SUM(tx_bytes), SUM(rx_bytes),
		SUM(CASE WHEN protocol = 'TCP' THEN tx_bytes ELSE 0 END),
		SUM(CASE WHEN protocol = 'TCP' THEN rx_bytes ELSE 0 END),
		SUM(CASE WHEN protocol = 'UDP' THEN tx_bytes ELSE 0 END),
		SUM(CASE WHEN protocol = 'UDP' THEN rx_bytes ELSE 0 END)
	FROM bandwidth_records WHERE time >= ? AND time < ?
	GROUP BY process_name`

// trimRollups drops the rollups of hours ending at or before cutoff and
// rebuilds the one cutoff falls in, in one transaction. It returns how many
// rollup rows are gone.
func (s *Store) trimRollups(ctx context.Context, cutoff time.Time) (n int64, err error) {
	hour := cutoff.Truncate(time.Hour)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cleaning hourly_stats: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				s.logger.Warn("rolling back rollup cleanup", zap.Error(rerr))
			}
		}
	}()

	out, err := tx.ExecContext(ctx, `DELETE FROM hourly_stats WHERE hour_start < ?`, nanos(hour))
	if err != nil {
		return 0, fmt.Errorf("cleaning hourly_stats: %w", err)
	}
	if n, err = out.RowsAffected(); err != nil {
		return 0, fmt.Errorf("cleaning hourly_stats: %w", err)
	}

	if hour.Before(cutoff) {
		var before, after int64
		count := `SELECT COUNT(*) FROM hourly_stats WHERE hour_start = ?`
		if err = tx.GetContext(ctx, &before, count, nanos(hour)); err != nil {
			return 0, fmt.Errorf("counting hourly_stats: %w", err)
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM hourly_stats WHERE hour_start = ?`, nanos(hour)); err != nil {
			return 0, fmt.Errorf("cleaning hourly_stats: %w", err)
		}
		if _, err = tx.ExecContext(ctx, rebuildHourly, nanos(hour), nanos(hour), nanos(hour.Add(time.Hour))); err != nil {
			return 0, fmt.Errorf("rebuilding hourly_stats: %w", err)
		}
		if err = tx.GetContext(ctx, &after, count, nanos(hour)); err != nil {
			return 0, fmt.Errorf("counting hourly_stats: %w", err)
		}
		n += before - after
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing rollup cleanup: %w", err)
	}
	return n, nil
}

func (s *Store) deleteChunked(ctx context.Context, table, column string, cutoff int64) (int64, error) {
	q := fmt.Sprintf(`DELETE FROM %[1]s WHERE id IN (
		SELECT id FROM %[1]s WHERE %[2]s < ? LIMIT %[3]d)`, table, column, cleanupChunk)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		out, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("cleaning %s: %w", table, err)
		}
		n, err := out.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("cleaning %s: %w", table, err)
		}
		total += n
		if n < cleanupChunk {
			return total, nil
		}
	}
}

// Retention runs Cleanup on a cron schedule.
type Retention struct {
	cron   *cron.Cron
	store  *Store
	days   int
	logger *zap.Logger
}

// NewRetention schedules cleanups of rows older than days. schedule is a
// cron spec or descriptor such as "@every 1h".
func NewRetention(s *Store, days int, schedule string, logger *zap.Logger) (*Retention, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("retention")
	cl := cronLogger{logger.Sugar()}
	r := &Retention{
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		store:  s,
		days:   days,
		logger: logger,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("parsing cleanup schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Retention) run() {
	if _, err := r.store.Cleanup(context.Background(), r.days); err != nil {
		r.logger.Error("retention cleanup failed", zap.Error(err))
	}
}

func (r *Retention) Start() {
	r.cron.Start()
}

// Stop stops scheduling and waits for a running cleanup to finish or ctx to end.
func (r *Retention) Stop(ctx context.Context) {
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
		r.logger.Warn("retention cleanup still running at shutdown")
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
