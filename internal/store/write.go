package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"bwtrack/model"
)

const (
	insertRecord = `INSERT INTO bandwidth_records
		(time, pid, process_name, tx_bytes, rx_bytes, protocol, remote_address)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	insertIPRecord = `INSERT INTO ip_bandwidth
		(time, pid, process_name, remote_address, tx_bytes, rx_bytes, protocol)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	upsertHourly = `INSERT INTO hourly_stats
		(hour_start, process_name, total_tx, total_rx, tcp_tx, tcp_rx, udp_tx, udp_rx)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hour_start, process_name) DO UPDATE SET
			total_tx = total_tx + excluded.total_tx,
			total_rx = total_rx + excluded.total_rx,
			tcp_tx   = tcp_tx + excluded.tcp_tx,
			tcp_rx   = tcp_rx + excluded.tcp_rx,
			udp_tx   = udp_tx + excluded.udp_tx,
			udp_rx   = udp_rx + excluded.udp_rx`
)

type hourKey struct {
	hour int64
	name string
}

// InsertBatch writes one drain worth of rows in a single transaction and
// folds them into hourly_stats in the same transaction, so a rollup never
// disagrees with the raw rows it summarises.
func (s *Store) InsertBatch(ctx context.Context, records []model.BandwidthRecord, ipRecords []model.IPBandwidthRecord) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(records) == 0 && len(ipRecords) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				s.logger.Warn("rolling back batch", zap.Error(rerr))
			}
		}
	}()

	if err = insertRecords(ctx, tx, records); err != nil {
		return err
	}
	if err = insertIPRecords(ctx, tx, ipRecords); err != nil {
		return err
	}
	if err = upsertRollups(ctx, tx, records); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

func insertRecords(ctx context.Context, tx *sqlx.Tx, records []model.BandwidthRecord) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := tx.PreparexContext(ctx, insertRecord)
	if err != nil {
		return fmt.Errorf("preparing record insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, nanos(r.Time), int64(r.PID), r.ProcessName,
			int64(r.TxBytes), int64(r.RxBytes), r.Protocol.String(), r.RemoteAddr.String()); err != nil {
			return fmt.Errorf("inserting record: %w", err)
		}
	}
	return nil
}

func insertIPRecords(ctx context.Context, tx *sqlx.Tx, records []model.IPBandwidthRecord) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := tx.PreparexContext(ctx, insertIPRecord)
	if err != nil {
		return fmt.Errorf("preparing ip insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, nanos(r.Time), int64(r.PID), r.ProcessName,
			r.RemoteAddr.String(), int64(r.TxBytes), int64(r.RxBytes), r.Protocol.String()); err != nil {
			return fmt.Errorf("inserting ip record: %w", err)
		}
	}
	return nil
}

func upsertRollups(ctx context.Context, tx *sqlx.Tx, records []model.BandwidthRecord) error {
	if len(records) == 0 {
		return nil
	}
	rollups := make(map[hourKey]*model.HourlyStat)
	order := make([]hourKey, 0)
	for _, r := range records {
		k := hourKey{hour: nanos(r.Time.Truncate(time.Hour)), name: r.ProcessName}
		h, ok := rollups[k]
		if !ok {
			h = &model.HourlyStat{HourStart: fromNanos(k.hour), ProcessName: k.name}
			rollups[k] = h
			order = append(order, k)
		}
		h.Add(r)
	}

	stmt, err := tx.PreparexContext(ctx, upsertHourly)
	if err != nil {
		return fmt.Errorf("preparing rollup upsert: %w", err)
	}
	defer stmt.Close()

	for _, k := range order {
		h := rollups[k]
		if _, err := stmt.ExecContext(ctx, k.hour, h.ProcessName,
			int64(h.TotalTx), int64(h.TotalRx), int64(h.TCPTx), int64(h.TCPRx),
			int64(h.UDPTx), int64(h.UDPRx)); err != nil {
			return fmt.Errorf("updating hourly rollup: %w", err)
		}
	}
	return nil
}
