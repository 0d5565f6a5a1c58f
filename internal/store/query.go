package store

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"bwtrack/model"
)

// Summary is the aggregate of every row in a window.
type Summary struct {
	TotalTx      uint64 `db:"total_tx"`
	TotalRx      uint64 `db:"total_rx"`
	ProcessCount int64  `db:"process_count"`
	PIDCount     int64  `db:"pid_count"`
	RecordCount  int64  `db:"record_count"`
}

// ProcessTotal is one process's traffic over a window.
type ProcessTotal struct {
	ProcessName string `db:"process_name"`
	Tx          uint64 `db:"tx"`
	Rx          uint64 `db:"rx"`
}

func (p ProcessTotal) Total() uint64 { return p.Tx + p.Rx }

// ProtocolTotal is one protocol's traffic over a window.
type ProtocolTotal struct {
	Protocol string `db:"protocol"`
	Tx       uint64 `db:"tx"`
	Rx       uint64 `db:"rx"`
}

func (p ProtocolTotal) Total() uint64 { return p.Tx + p.Rx }

// IPTotal is one remote address's traffic over a window. ProcessName is only
// set when the breakdown was filtered by process.
type IPTotal struct {
	RemoteAddr  string `db:"remote_address"`
	ProcessName string `db:"-"`
	Tx          uint64 `db:"tx"`
	Rx          uint64 `db:"rx"`
}

func (p IPTotal) Total() uint64 { return p.Tx + p.Rx }

// Bucket is one slice of a time series.
type Bucket struct {
	Start time.Time
	Tx    uint64
	Rx    uint64
}

// Rate is a process's average throughput in bytes per second.
type Rate struct {
	PID         uint32
	ProcessName string
	TxRate      float64
	RxRate      float64
	TCPTxRate   float64
	TCPRxRate   float64
	UDPTxRate   float64
	UDPRxRate   float64
}

// MaxBuckets bounds the length of a time series.
const MaxBuckets = 10000

type span struct{ from, to int64 }

// splitWindow cuts w into the whole hours it covers, answered from
// hourly_stats, and the partial hours at either end, answered from raw rows.
// A window without a whole hour is all head.
func splitWindow(w model.Window) (rollup, head, tail span) {
	hs := w.Start.Truncate(time.Hour)
	if hs.Before(w.Start) {
		hs = hs.Add(time.Hour)
	}
	he := w.End.Truncate(time.Hour)
	if hs.Before(he) {
		return span{nanos(hs), nanos(he)}, span{nanos(w.Start), nanos(hs)}, span{nanos(he), nanos(w.End)}
	}
	return span{}, span{nanos(w.Start), nanos(w.End)}, span{}
}

// mixed is a subquery yielding (process_name, tx, rx, tcp_tx, tcp_rx, udp_tx,
// udp_rx) for a window from rollups plus raw edges. Its arguments come from
// mixedArgs.
const mixed = `
	SELECT process_name, total_tx AS tx, total_rx AS rx,
		tcp_tx, tcp_rx, udp_tx, udp_rx
	FROM hourly_stats WHERE hour_start >= ? AND hour_start < ?
	UNION ALL
	SELECT process_name, tx_bytes, rx_bytes,
		CASE WHEN protocol = 'TCP' THEN tx_bytes ELSE 0 END,
		CASE WHEN protocol = 'TCP' THEN rx_bytes ELSE 0 END,
		CASE WHEN protocol = 'UDP' THEN tx_bytes ELSE 0 END,
		CASE WHEN protocol = 'UDP' THEN rx_bytes ELSE 0 END
	FROM bandwidth_records WHERE (time >= ? AND time < ?) OR (time >= ? AND time < ?)`

func mixedArgs(w model.Window) []interface{} {
	rollup, head, tail := splitWindow(w)
	return []interface{}{rollup.from, rollup.to, head.from, head.to, tail.from, tail.to}
}

// Summary totals every row in w.
func (s *Store) Summary(ctx context.Context, w model.Window) (Summary, error) {
	var sum Summary
	if err := s.check(); err != nil {
		return sum, err
	}

	q := `SELECT COALESCE(SUM(tx), 0) AS total_tx, COALESCE(SUM(rx), 0) AS total_rx,
		COUNT(DISTINCT process_name) AS process_count
		FROM (` + mixed + `)`
	if err := s.db.QueryRowxContext(ctx, q, mixedArgs(w)...).Scan(&sum.TotalTx, &sum.TotalRx, &sum.ProcessCount); err != nil {
		return sum, fmt.Errorf("summary: %w", err)
	}

	q = `SELECT COUNT(DISTINCT pid), COUNT(*) FROM bandwidth_records WHERE time >= ? AND time < ?`
	if err := s.db.QueryRowxContext(ctx, q, nanos(w.Start), nanos(w.End)).Scan(&sum.PIDCount, &sum.RecordCount); err != nil {
		return sum, fmt.Errorf("summary counts: %w", err)
	}
	return sum, nil
}

// Top returns the limit processes with the most traffic in w, largest
// first, ties broken by name.
func (s *Store) Top(ctx context.Context, w model.Window, limit int) ([]ProcessTotal, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	q := `SELECT process_name, SUM(tx) AS tx, SUM(rx) AS rx
		FROM (` + mixed + `)
		GROUP BY process_name
		ORDER BY SUM(tx) + SUM(rx) DESC, process_name ASC
		LIMIT ?`
	var out []ProcessTotal
	if err := s.db.SelectContext(ctx, &out, q, append(mixedArgs(w), limit)...); err != nil {
		return nil, fmt.Errorf("top processes: %w", err)
	}
	return out, nil
}

// ProtocolBreakdown returns per protocol totals in w. Protocols without
// traffic are left out.
func (s *Store) ProtocolBreakdown(ctx context.Context, w model.Window) ([]ProtocolTotal, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	q := `SELECT protocol, COALESCE(SUM(tx), 0) AS tx, COALESCE(SUM(rx), 0) AS rx FROM (
			SELECT 'TCP' AS protocol, SUM(tcp_tx) AS tx, SUM(tcp_rx) AS rx FROM (` + mixed + `)
			UNION ALL
			SELECT 'UDP', SUM(udp_tx), SUM(udp_rx) FROM (` + mixed + `)
		)
		GROUP BY protocol
		HAVING COALESCE(SUM(tx), 0) + COALESCE(SUM(rx), 0) > 0
		ORDER BY protocol`
	args := append(mixedArgs(w), mixedArgs(w)...)
	var out []ProtocolTotal
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("protocol breakdown: %w", err)
	}
	return out, nil
}

// IPBreakdown returns per remote address totals in w, optionally for one
// process only. limit <= 0 means no limit.
func (s *Store) IPBreakdown(ctx context.Context, w model.Window, process string, limit int) ([]IPTotal, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	q := `SELECT remote_address, SUM(tx_bytes) AS tx, SUM(rx_bytes) AS rx
		FROM ip_bandwidth WHERE time >= ? AND time < ?`
	args := []interface{}{nanos(w.Start), nanos(w.End)}
	if process != "" {
		q += ` AND process_name = ?`
		args = append(args, process)
	}
	q += ` GROUP BY remote_address
		ORDER BY SUM(tx_bytes) + SUM(rx_bytes) DESC, remote_address ASC
		LIMIT ?`
	args = append(args, sqlLimit(limit))

	var out []IPTotal
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("ip breakdown: %w", err)
	}
	for i := range out {
		out[i].ProcessName = process
	}
	return out, nil
}

// TimeSeries slices w into interval wide buckets starting at w.Start and
// sums each one. Every bucket is present, empty ones as zero; the last one
// may be cut short by w.End.
func (s *Store) TimeSeries(ctx context.Context, w model.Window, interval time.Duration, process string) ([]Bucket, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	n := w.Buckets(interval)
	if n == 0 {
		return nil, fmt.Errorf("time series: empty window %s or interval %s", w.Duration(), interval)
	}
	if n > MaxBuckets {
		return nil, fmt.Errorf("time series: %d buckets, at most %d", n, MaxBuckets)
	}

	q := `SELECT (time - ?) / ? AS bucket, SUM(tx_bytes) AS tx, SUM(rx_bytes) AS rx
		FROM bandwidth_records WHERE time >= ? AND time < ?`
	args := []interface{}{nanos(w.Start), int64(interval), nanos(w.Start), nanos(w.End)}
	if process != "" {
		q += ` AND process_name = ?`
		args = append(args, process)
	}
	q += ` GROUP BY bucket`

	var rows []struct {
		Bucket int64  `db:"bucket"`
		Tx     uint64 `db:"tx"`
		Rx     uint64 `db:"rx"`
	}
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("time series: %w", err)
	}

	buckets := make([]Bucket, n)
	for i := range buckets {
		buckets[i].Start = w.Start.Add(time.Duration(i) * interval)
	}
	for _, r := range rows {
		if r.Bucket < 0 || r.Bucket >= int64(n) {
			continue
		}
		buckets[r.Bucket].Tx = r.Tx
		buckets[r.Bucket].Rx = r.Rx
	}
	return buckets, nil
}

// HourlyStats returns the rollups of every hour overlapping w, oldest first.
func (s *Store) HourlyStats(ctx context.Context, w model.Window, process string) ([]model.HourlyStat, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	q := `SELECT hour_start, process_name, total_tx, total_rx, tcp_tx, tcp_rx, udp_tx, udp_rx
		FROM hourly_stats WHERE hour_start >= ? AND hour_start < ?`
	args := []interface{}{nanos(w.Start.Truncate(time.Hour)), nanos(w.End)}
	if process != "" {
		q += ` AND process_name = ?`
		args = append(args, process)
	}
	q += ` ORDER BY hour_start, process_name`

	var rows []struct {
		HourStart   int64  `db:"hour_start"`
		ProcessName string `db:"process_name"`
		TotalTx     uint64 `db:"total_tx"`
		TotalRx     uint64 `db:"total_rx"`
		TCPTx       uint64 `db:"tcp_tx"`
		TCPRx       uint64 `db:"tcp_rx"`
		UDPTx       uint64 `db:"udp_tx"`
		UDPRx       uint64 `db:"udp_rx"`
	}
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("hourly stats: %w", err)
	}

	out := make([]model.HourlyStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.HourlyStat{
			HourStart:   fromNanos(r.HourStart),
			ProcessName: r.ProcessName,
			TotalTx:     r.TotalTx,
			TotalRx:     r.TotalRx,
			TCPTx:       r.TCPTx,
			TCPRx:       r.TCPRx,
			UDPTx:       r.UDPTx,
			UDPRx:       r.UDPRx,
		})
	}
	return out, nil
}

type recordRow struct {
	Time        int64  `db:"time"`
	PID         uint32 `db:"pid"`
	ProcessName string `db:"process_name"`
	TxBytes     uint64 `db:"tx_bytes"`
	RxBytes     uint64 `db:"rx_bytes"`
	Protocol    string `db:"protocol"`
	RemoteAddr  string `db:"remote_address"`
}

func (r recordRow) record() model.BandwidthRecord {
	proto, _ := model.ParseProtocol(r.Protocol)
	addr, _ := netip.ParseAddr(r.RemoteAddr)
	return model.BandwidthRecord{
		Time:        fromNanos(r.Time),
		PID:         r.PID,
		ProcessName: r.ProcessName,
		TxBytes:     r.TxBytes,
		RxBytes:     r.RxBytes,
		Protocol:    proto,
		RemoteAddr:  addr,
	}
}

// ProcessHistory returns the raw rows of one process in w, newest first.
// limit <= 0 means no limit.
func (s *Store) ProcessHistory(ctx context.Context, process string, w model.Window, limit int) ([]model.BandwidthRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	q := `SELECT time, pid, process_name, tx_bytes, rx_bytes, protocol, remote_address
		FROM bandwidth_records
		WHERE process_name = ? AND time >= ? AND time < ?
		ORDER BY time DESC, id DESC
		LIMIT ?`
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, q, process, nanos(w.Start), nanos(w.End), sqlLimit(limit)); err != nil {
		return nil, fmt.Errorf("process history: %w", err)
	}
	out := make([]model.BandwidthRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// ActiveProcesses lists the distinct process names seen in w.
func (s *Store) ActiveProcesses(ctx context.Context, w model.Window) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var names []string
	q := `SELECT DISTINCT process_name FROM bandwidth_records
		WHERE time >= ? AND time < ? ORDER BY process_name`
	if err := s.db.SelectContext(ctx, &names, q, nanos(w.Start), nanos(w.End)); err != nil {
		return nil, fmt.Errorf("active processes: %w", err)
	}
	return names, nil
}

// CurrentRate averages what every pid moved during the last d before at,
// busiest first.
func (s *Store) CurrentRate(ctx context.Context, at time.Time, d time.Duration) ([]Rate, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if d <= 0 {
		return nil, fmt.Errorf("current rate: non-positive window %s", d)
	}
	q := `SELECT pid, process_name,
			SUM(tx_bytes) AS tx, SUM(rx_bytes) AS rx,
			SUM(CASE WHEN protocol = 'TCP' THEN tx_bytes ELSE 0 END) AS tcp_tx,
			SUM(CASE WHEN protocol = 'TCP' THEN rx_bytes ELSE 0 END) AS tcp_rx,
			SUM(CASE WHEN protocol = 'UDP' THEN tx_bytes ELSE 0 END) AS udp_tx,
			SUM(CASE WHEN protocol = 'UDP' THEN rx_bytes ELSE 0 END) AS udp_rx
		FROM bandwidth_records
		WHERE time >= ? AND time <= ?
		GROUP BY pid, process_name
		HAVING SUM(tx_bytes) > 0 OR SUM(rx_bytes) > 0
		ORDER BY SUM(tx_bytes) + SUM(rx_bytes) DESC, process_name ASC`
	var rows []struct {
		PID         uint32 `db:"pid"`
		ProcessName string `db:"process_name"`
		Tx          uint64 `db:"tx"`
		Rx          uint64 `db:"rx"`
		TCPTx       uint64 `db:"tcp_tx"`
		TCPRx       uint64 `db:"tcp_rx"`
		UDPTx       uint64 `db:"udp_tx"`
		UDPRx       uint64 `db:"udp_rx"`
	}
	if err := s.db.SelectContext(ctx, &rows, q, nanos(at.Add(-d)), nanos(at)); err != nil {
		return nil, fmt.Errorf("current rate: %w", err)
	}

	secs := d.Seconds()
	out := make([]Rate, 0, len(rows))
	for _, r := range rows {
		out = append(out, Rate{
			PID:         r.PID,
			ProcessName: r.ProcessName,
			TxRate:      float64(r.Tx) / secs,
			RxRate:      float64(r.Rx) / secs,
			TCPTxRate:   float64(r.TCPTx) / secs,
			TCPRxRate:   float64(r.TCPRx) / secs,
			UDPTxRate:   float64(r.UDPTx) / secs,
			UDPRxRate:   float64(r.UDPRx) / secs,
		})
	}
	return out, nil
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
