// Package query is the read side handed to presentation layers. It checks
// requests, delegates to the store or the live collector snapshot, and
// attaches a formatted string to every byte quantity.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bwtrack/internal/store"
	"bwtrack/model"
)

const (
	DefaultHours = 24

	// MaxHours bounds any window to a year.
	MaxHours = 24 * 366

	// IPLimit caps an IP breakdown that is not filtered by process.
	IPLimit = 20

	// DefaultInterval is the time series bucket width in minutes.
	DefaultInterval = 60

	maxProcessName = 255
)

// Error is returned for a request that cannot be answered as asked.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) *Error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Store is the subset of *store.Store the facade reads from.
type Store interface {
	Summary(ctx context.Context, w model.Window) (store.Summary, error)
	Top(ctx context.Context, w model.Window, limit int) ([]store.ProcessTotal, error)
	ProtocolBreakdown(ctx context.Context, w model.Window) ([]store.ProtocolTotal, error)
	IPBreakdown(ctx context.Context, w model.Window, process string, limit int) ([]store.IPTotal, error)
	TimeSeries(ctx context.Context, w model.Window, interval time.Duration, process string) ([]store.Bucket, error)
	HourlyStats(ctx context.Context, w model.Window, process string) ([]model.HourlyStat, error)
	ProcessHistory(ctx context.Context, process string, w model.Window, limit int) ([]model.BandwidthRecord, error)
	ActiveProcesses(ctx context.Context, w model.Window) ([]string, error)
	CurrentRate(ctx context.Context, at time.Time, d time.Duration) ([]store.Rate, error)
	Cleanup(ctx context.Context, maxAgeDays int) (store.CleanupResult, error)
}

// Live exposes the collector's latest snapshot.
type Live interface {
	Current() *model.Snapshot
}

// Range selects a window: the last Hours hours, or Start to End when both
// are set. The zero Range is the last DefaultHours hours.
type Range struct {
	Hours int
	Start time.Time
	End   time.Time
}

func LastHours(h int) Range { return Range{Hours: h} }

func Between(start, end time.Time) Range { return Range{Start: start, End: end} }

// Facade holds no state of its own beyond its dependencies.
type Facade struct {
	store Store
	live  Live
	now   func() time.Time
}

// New returns a facade over s. live may be nil when no collector runs in
// this process; Current then reports no snapshot.
func New(s Store, live Live) *Facade {
	return &Facade{store: s, live: live, now: time.Now}
}

func (f *Facade) window(r Range) (model.Window, error) {
	explicit := !r.Start.IsZero() || !r.End.IsZero()
	switch {
	case explicit && r.Hours != 0:
		return model.Window{}, invalid("window", "give either hours or start/end, not both")
	case explicit:
		if r.Start.IsZero() || r.End.IsZero() {
			return model.Window{}, invalid("window", "start and end must both be set")
		}
		if !r.Start.Before(r.End) {
			return model.Window{}, invalid("window", "start %s is not before end %s",
				r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
		}
		if r.End.Sub(r.Start) > MaxHours*time.Hour {
			return model.Window{}, invalid("window", "longer than %d hours", MaxHours)
		}
		return model.Window{Start: r.Start, End: r.End}, nil
	case r.Hours < 0:
		return model.Window{}, invalid("hours", "must be positive, got %d", r.Hours)
	case r.Hours > MaxHours:
		return model.Window{}, invalid("hours", "at most %d, got %d", MaxHours, r.Hours)
	}
	h := r.Hours
	if h == 0 {
		h = DefaultHours
	}
	return model.LastWindow(f.now(), time.Duration(h)*time.Hour), nil
}

func checkProcess(name string, required bool) error {
	switch {
	case name == "" && required:
		return invalid("process", "a process name is required")
	case len(name) > maxProcessName:
		return invalid("process", "longer than %d bytes", maxProcessName)
	case strings.ContainsRune(name, 0):
		return invalid("process", "contains a NUL byte")
	}
	return nil
}

func checkLimit(limit int) error {
	if limit <= 0 {
		return invalid("limit", "must be positive, got %d", limit)
	}
	return nil
}

// Traffic is a formatted tx/rx pair.
type Traffic struct {
	Tx    Bytes `json:"tx"`
	Rx    Bytes `json:"rx"`
	Total Bytes `json:"total"`
}

func newTraffic(tx, rx uint64) Traffic {
	return Traffic{Tx: NewBytes(tx), Rx: NewBytes(rx), Total: NewBytes(tx + rx)}
}

// LiveProcess is one process of the latest snapshot.
type LiveProcess struct {
	PID    uint32     `json:"pid"`
	Name   string     `json:"name"`
	Tx     Throughput `json:"tx_rate"`
	Rx     Throughput `json:"rx_rate"`
	TCP    Traffic    `json:"tcp"`
	UDP    Traffic    `json:"udp"`
	Totals Traffic    `json:"totals"`
}

// LiveView is the latest snapshot with per second rates over its interval.
type LiveView struct {
	Version   uint64        `json:"version"`
	Time      time.Time     `json:"time"`
	Processes []LiveProcess `json:"processes"`
	Totals    Traffic       `json:"totals"`
}

// Current returns the collector's latest snapshot, or false when there is
// none yet.
func (f *Facade) Current() (LiveView, bool) {
	if f.live == nil {
		return LiveView{}, false
	}
	snap := f.live.Current()
	if snap == nil {
		return LiveView{}, false
	}
	secs := snap.Interval.Seconds()
	if secs <= 0 {
		secs = 1
	}
	view := LiveView{Version: snap.Version, Time: snap.Time}
	for _, p := range snap.Processes {
		view.Processes = append(view.Processes, LiveProcess{
			PID:    p.PID,
			Name:   p.Name,
			Tx:     NewThroughput(float64(p.TxBytes) / secs),
			Rx:     NewThroughput(float64(p.RxBytes) / secs),
			TCP:    newTraffic(p.TCPTx, p.TCPRx),
			UDP:    newTraffic(p.UDPTx, p.UDPRx),
			Totals: newTraffic(p.TxBytes, p.RxBytes),
		})
	}
	t := snap.Totals()
	view.Totals = newTraffic(t.Tx, t.Rx)
	return view, true
}

type SummaryResult struct {
	Window       model.Window `json:"window"`
	Traffic      Traffic      `json:"traffic"`
	ProcessCount int64        `json:"process_count"`
	PIDCount     int64        `json:"pid_count"`
	RecordCount  int64        `json:"record_count"`
}

func (f *Facade) Summary(ctx context.Context, r Range) (SummaryResult, error) {
	w, err := f.window(r)
	if err != nil {
		return SummaryResult{}, err
	}
	s, err := f.store.Summary(ctx, w)
	if err != nil {
		return SummaryResult{}, err
	}
	return SummaryResult{
		Window:       w,
		Traffic:      newTraffic(s.TotalTx, s.TotalRx),
		ProcessCount: s.ProcessCount,
		PIDCount:     s.PIDCount,
		RecordCount:  s.RecordCount,
	}, nil
}

type ProcessEntry struct {
	ProcessName string `json:"process_name"`
	Traffic
}

func (f *Facade) Top(ctx context.Context, r Range, limit int) ([]ProcessEntry, error) {
	w, err := f.window(r)
	if err != nil {
		return nil, err
	}
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	rows, err := f.store.Top(ctx, w, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ProcessEntry, 0, len(rows))
	for _, p := range rows {
		out = append(out, ProcessEntry{ProcessName: p.ProcessName, Traffic: newTraffic(p.Tx, p.Rx)})
	}
	return out, nil
}

type ProtocolEntry struct {
	Protocol string `json:"protocol"`
	Traffic
}

func (f *Facade) ProtocolBreakdown(ctx context.Context, r Range) ([]ProtocolEntry, error) {
	w, err := f.window(r)
	if err != nil {
		return nil, err
	}
	rows, err := f.store.ProtocolBreakdown(ctx, w)
	if err != nil {
		return nil, err
	}
	out := make([]ProtocolEntry, 0, len(rows))
	for _, p := range rows {
		out = append(out, ProtocolEntry{Protocol: p.Protocol, Traffic: newTraffic(p.Tx, p.Rx)})
	}
	return out, nil
}

type IPEntry struct {
	RemoteAddr  string `json:"remote_address"`
	ProcessName string `json:"process_name,omitempty"`
	Traffic
}

// IPBreakdown lists remote addresses by traffic. Without a process filter
// only the IPLimit busiest addresses are returned.
func (f *Facade) IPBreakdown(ctx context.Context, r Range, process string) ([]IPEntry, error) {
	w, err := f.window(r)
	if err != nil {
		return nil, err
	}
	if err := checkProcess(process, false); err != nil {
		return nil, err
	}
	limit := 0
	if process == "" {
		limit = IPLimit
	}
	rows, err := f.store.IPBreakdown(ctx, w, process, limit)
	if err != nil {
		return nil, err
	}
	out := make([]IPEntry, 0, len(rows))
	for _, p := range rows {
		out = append(out, IPEntry{RemoteAddr: p.RemoteAddr, ProcessName: p.ProcessName, Traffic: newTraffic(p.Tx, p.Rx)})
	}
	return out, nil
}

type BucketEntry struct {
	Start time.Time `json:"start"`
	Traffic
}

// TimeSeries slices the window into intervalMinutes wide buckets; 0 means
// DefaultInterval.
func (f *Facade) TimeSeries(ctx context.Context, r Range, intervalMinutes int, process string) ([]BucketEntry, error) {
	w, err := f.window(r)
	if err != nil {
		return nil, err
	}
	if intervalMinutes == 0 {
		intervalMinutes = DefaultInterval
	}
	if intervalMinutes < 0 || intervalMinutes > MaxHours*60 {
		return nil, invalid("interval", "must be between 1 and %d minutes, got %d", MaxHours*60, intervalMinutes)
	}
	interval := time.Duration(intervalMinutes) * time.Minute
	if n := w.Buckets(interval); n > store.MaxBuckets {
		return nil, invalid("interval", "%d minutes gives %d buckets, at most %d", intervalMinutes, n, store.MaxBuckets)
	}
	if err := checkProcess(process, false); err != nil {
		return nil, err
	}
	rows, err := f.store.TimeSeries(ctx, w, interval, process)
	if err != nil {
		return nil, err
	}
	out := make([]BucketEntry, 0, len(rows))
	for _, b := range rows {
		out = append(out, BucketEntry{Start: b.Start, Traffic: newTraffic(b.Tx, b.Rx)})
	}
	return out, nil
}

type HourlyEntry struct {
	HourStart   time.Time `json:"hour_start"`
	ProcessName string    `json:"process_name"`
	Traffic
	TCP Traffic `json:"tcp"`
	UDP Traffic `json:"udp"`
}

func (f *Facade) HourlyStats(ctx context.Context, r Range, process string) ([]HourlyEntry, error) {
	w, err := f.window(r)
	if err != nil {
		return nil, err
	}
	if err := checkProcess(process, false); err != nil {
		return nil, err
	}
	rows, err := f.store.HourlyStats(ctx, w, process)
	if err != nil {
		return nil, err
	}
	out := make([]HourlyEntry, 0, len(rows))
	for _, h := range rows {
		out = append(out, HourlyEntry{
			HourStart:   h.HourStart,
			ProcessName: h.ProcessName,
			Traffic:     newTraffic(h.TotalTx, h.TotalRx),
			TCP:         newTraffic(h.TCPTx, h.TCPRx),
			UDP:         newTraffic(h.UDPTx, h.UDPRx),
		})
	}
	return out, nil
}

type HistoryEntry struct {
	Time       time.Time `json:"time"`
	PID        uint32    `json:"pid"`
	Protocol   string    `json:"protocol"`
	RemoteAddr string    `json:"remote_address"`
	Traffic
}

// ProcessHistory returns one process's rows, newest first. limit <= 0
// returns all of them.
func (f *Facade) ProcessHistory(ctx context.Context, process string, r Range, limit int) ([]HistoryEntry, error) {
	w, err := f.window(r)
	if err != nil {
		return nil, err
	}
	if err := checkProcess(process, true); err != nil {
		return nil, err
	}
	rows, err := f.store.ProcessHistory(ctx, process, w, limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(rows))
	for _, h := range rows {
		out = append(out, HistoryEntry{
			Time:       h.Time,
			PID:        h.PID,
			Protocol:   h.Protocol.String(),
			RemoteAddr: h.RemoteAddr.String(),
			Traffic:    newTraffic(h.TxBytes, h.RxBytes),
		})
	}
	return out, nil
}

func (f *Facade) ActiveProcesses(ctx context.Context, r Range) ([]string, error) {
	w, err := f.window(r)
	if err != nil {
		return nil, err
	}
	return f.store.ActiveProcesses(ctx, w)
}

type RateEntry struct {
	PID         uint32     `json:"pid"`
	ProcessName string     `json:"process_name"`
	Tx          Throughput `json:"tx"`
	Rx          Throughput `json:"rx"`
	TCPTx       Throughput `json:"tcp_tx"`
	TCPRx       Throughput `json:"tcp_rx"`
	UDPTx       Throughput `json:"udp_tx"`
	UDPRx       Throughput `json:"udp_rx"`
}

// MaxRateSeconds bounds the averaging window of the rate queries.
const MaxRateSeconds = 3600

func checkSeconds(seconds int) error {
	if seconds <= 0 || seconds > MaxRateSeconds {
		return invalid("seconds", "must be between 1 and %d, got %d", MaxRateSeconds, seconds)
	}
	return nil
}

// CurrentRate averages the persisted traffic of the last seconds seconds.
func (f *Facade) CurrentRate(ctx context.Context, seconds int) ([]RateEntry, error) {
	if err := checkSeconds(seconds); err != nil {
		return nil, err
	}
	rows, err := f.store.CurrentRate(ctx, f.now(), time.Duration(seconds)*time.Second)
	if err != nil {
		return nil, err
	}
	out := make([]RateEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, RateEntry{
			PID:         r.PID,
			ProcessName: r.ProcessName,
			Tx:          NewThroughput(r.TxRate),
			Rx:          NewThroughput(r.RxRate),
			TCPTx:       NewThroughput(r.TCPTxRate),
			TCPRx:       NewThroughput(r.TCPRxRate),
			UDPTx:       NewThroughput(r.UDPTxRate),
			UDPRx:       NewThroughput(r.UDPRxRate),
		})
	}
	return out, nil
}

// Rates is a tx/rx pair averaged over a window.
type Rates struct {
	Tx    Throughput `json:"tx_rate"`
	Rx    Throughput `json:"rx_rate"`
	Total Throughput `json:"total_rate"`
}

func newRates(tx, rx uint64, secs float64) Rates {
	return Rates{
		Tx:    NewThroughput(float64(tx) / secs),
		Rx:    NewThroughput(float64(rx) / secs),
		Total: NewThroughput(float64(tx+rx) / secs),
	}
}

// recent is the window of the last seconds seconds, with its length.
func (f *Facade) recent(seconds int) (model.Window, float64, error) {
	if err := checkSeconds(seconds); err != nil {
		return model.Window{}, 0, err
	}
	d := time.Duration(seconds) * time.Second
	return model.LastWindow(f.now(), d), d.Seconds(), nil
}

type SummaryRateResult struct {
	Window       model.Window `json:"window"`
	Seconds      int          `json:"seconds"`
	Rates        Rates        `json:"rates"`
	ProcessCount int64        `json:"process_count"`
	PIDCount     int64        `json:"pid_count"`
	RecordCount  int64        `json:"record_count"`
}

// SummaryRate is Summary over the last seconds seconds, as rates.
func (f *Facade) SummaryRate(ctx context.Context, seconds int) (SummaryRateResult, error) {
	w, secs, err := f.recent(seconds)
	if err != nil {
		return SummaryRateResult{}, err
	}
	s, err := f.store.Summary(ctx, w)
	if err != nil {
		return SummaryRateResult{}, err
	}
	return SummaryRateResult{
		Window:       w,
		Seconds:      seconds,
		Rates:        newRates(s.TotalTx, s.TotalRx, secs),
		ProcessCount: s.ProcessCount,
		PIDCount:     s.PIDCount,
		RecordCount:  s.RecordCount,
	}, nil
}

type ProtocolRate struct {
	Protocol string `json:"protocol"`
	Rates
}

// ProtocolRates is ProtocolBreakdown over the last seconds seconds, as rates.
func (f *Facade) ProtocolRates(ctx context.Context, seconds int) ([]ProtocolRate, error) {
	w, secs, err := f.recent(seconds)
	if err != nil {
		return nil, err
	}
	rows, err := f.store.ProtocolBreakdown(ctx, w)
	if err != nil {
		return nil, err
	}
	out := make([]ProtocolRate, 0, len(rows))
	for _, p := range rows {
		out = append(out, ProtocolRate{Protocol: p.Protocol, Rates: newRates(p.Tx, p.Rx, secs)})
	}
	return out, nil
}

type IPRate struct {
	RemoteAddr  string `json:"remote_address"`
	ProcessName string `json:"process_name,omitempty"`
	Rates
}

// IPRates is IPBreakdown over the last seconds seconds, as rates. The same
// IPLimit cap applies without a process filter.
func (f *Facade) IPRates(ctx context.Context, seconds int, process string) ([]IPRate, error) {
	w, secs, err := f.recent(seconds)
	if err != nil {
		return nil, err
	}
	if err := checkProcess(process, false); err != nil {
		return nil, err
	}
	limit := 0
	if process == "" {
		limit = IPLimit
	}
	rows, err := f.store.IPBreakdown(ctx, w, process, limit)
	if err != nil {
		return nil, err
	}
	out := make([]IPRate, 0, len(rows))
	for _, p := range rows {
		out = append(out, IPRate{RemoteAddr: p.RemoteAddr, ProcessName: p.ProcessName, Rates: newRates(p.Tx, p.Rx, secs)})
	}
	return out, nil
}

// Cleanup removes rows older than maxAgeDays.
func (f *Facade) Cleanup(ctx context.Context, maxAgeDays int) (store.CleanupResult, error) {
	if maxAgeDays <= 0 {
		return store.CleanupResult{}, invalid("days", "must be positive, got %d", maxAgeDays)
	}
	return f.store.Cleanup(ctx, maxAgeDays)
}
