package collector

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bwtrack/internal/capture"
	"bwtrack/model"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]model.BandwidthRecord
	ips     [][]model.IPBandwidthRecord
	calls   int
	fail    int // fail this many calls before succeeding
	entered chan struct{}
	release chan struct{}
}

func (s *fakeSink) InsertBatch(ctx context.Context, records []model.BandwidthRecord, ips []model.IPBandwidthRecord) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail > 0 {
		s.fail--
		return errors.New("database is locked")
	}
	s.batches = append(s.batches, records)
	s.ips = append(s.ips, ips)
	return nil
}

func (s *fakeSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type failingSource struct{}

func (failingSource) DrainAll(context.Context) ([]capture.Entry, error) {
	return nil, errors.New("map lookup failed")
}

func (failingSource) Close() error { return nil }

type staticNames map[uint32]string

func (n staticNames) Resolve(pid uint32) string { return n[pid] }

func key(pid uint32, addr string, proto model.Protocol, dir model.Direction) model.CaptureKey {
	return model.CaptureKey{
		PID:        pid,
		RemoteAddr: model.AddrToKernel(netip.MustParseAddr(addr)),
		Protocol:   proto,
		Direction:  dir,
	}
}

func newTestCollector(t *testing.T, src capture.Source, sink Sink, opts ...Option) *Collector {
	t.Helper()
	opts = append([]Option{WithClock(clock.NewMock()), WithMetrics(prometheus.NewRegistry())}, opts...)
	return New(src, sink, zaptest.NewLogger(t), opts...)
}

func TestTickSingleEntry(t *testing.T) {
	m := capture.NewShardedMap(16)
	sink := &fakeSink{}
	c := newTestCollector(t, m, sink)

	require.True(t, m.Upsert(key(42, "93.184.216.34", model.ProtocolTCP, model.DirectionSend), 500, 1, model.MakeComm("curl")))
	require.NoError(t, c.Tick(context.Background()))

	require.Len(t, sink.batches, 1)
	require.Len(t, sink.batches[0], 1)
	r := sink.batches[0][0]
	assert.Equal(t, uint32(42), r.PID)
	assert.Equal(t, "curl", r.ProcessName)
	assert.Equal(t, uint64(500), r.TxBytes)
	assert.Equal(t, uint64(0), r.RxBytes)
	assert.Equal(t, model.ProtocolTCP, r.Protocol)
	assert.Equal(t, netip.MustParseAddr("93.184.216.34"), r.RemoteAddr)
	assert.Equal(t, model.IPBandwidthRecord(r), sink.ips[0][0])
	assert.Zero(t, m.Len(), "drain leaves the map empty")

	snap := c.Current()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, model.Traffic{Tx: 500}, snap.Totals())

	// Nothing new arrived: no rows, fresh empty snapshot.
	require.NoError(t, c.Tick(context.Background()))
	assert.Len(t, sink.batches, 1)
	next := c.Current()
	assert.Equal(t, uint64(2), next.Version)
	assert.Empty(t, next.Processes)
	assert.Equal(t, uint64(1), snap.Version, "published snapshots are never mutated")
}

func TestSnapshotSumEqualsDrained(t *testing.T) {
	m := capture.NewShardedMap(1024)
	sink := &fakeSink{}
	c := newTestCollector(t, m, sink)

	rng := rand.New(rand.NewPCG(1, 2))
	addrs := []string{"1.1.1.1", "8.8.8.8", "10.0.0.1"}
	var want model.Traffic
	for i := 0; i < 2000; i++ {
		dir := model.Direction(rng.IntN(2))
		n := uint64(rng.IntN(1500) + 1)
		k := key(uint32(100+rng.IntN(10)), addrs[rng.IntN(len(addrs))], model.Protocol(rng.IntN(2)), dir)
		require.True(t, m.Upsert(k, n, 1, model.MakeComm("proc")))
		if dir == model.DirectionSend {
			want.Tx += n
		} else {
			want.Rx += n
		}
	}

	require.NoError(t, c.Tick(context.Background()))
	snap := c.Current()
	assert.Equal(t, want, snap.Totals())

	var fromRecords, fromRemotes, fromProtocols model.Traffic
	for _, r := range sink.batches[0] {
		fromRecords.Tx += r.TxBytes
		fromRecords.Rx += r.RxBytes
	}
	for _, p := range snap.Processes {
		for _, tr := range p.Remotes {
			fromRemotes.Tx += tr.Tx
			fromRemotes.Rx += tr.Rx
		}
		fromProtocols.Tx += p.TCPTx + p.UDPTx
		fromProtocols.Rx += p.TCPRx + p.UDPRx
	}
	assert.Equal(t, want, fromRecords)
	assert.Equal(t, want, fromRemotes)
	assert.Equal(t, want, fromProtocols)
}

func TestBackToBackDrainsDoNotRecount(t *testing.T) {
	m := capture.NewShardedMap(16)
	sink := &fakeSink{}
	c := newTestCollector(t, m, sink)
	k := key(7, "1.1.1.1", model.ProtocolUDP, model.DirectionReceive)

	m.Upsert(k, 100, 1, model.MakeComm("dig"))
	require.NoError(t, c.Tick(context.Background()))
	m.Upsert(k, 30, 1, model.MakeComm("dig"))
	require.NoError(t, c.Tick(context.Background()))
	require.NoError(t, c.Tick(context.Background()))

	require.Len(t, sink.batches, 2)
	assert.Equal(t, uint64(100), sink.batches[0][0].RxBytes)
	assert.Equal(t, uint64(30), sink.batches[1][0].RxBytes)
}

func TestPersistRetriedOnce(t *testing.T) {
	m := capture.NewShardedMap(16)
	sink := &fakeSink{fail: 1}
	c := newTestCollector(t, m, sink)

	m.Upsert(key(1, "1.1.1.1", model.ProtocolTCP, model.DirectionSend), 10, 1, model.MakeComm("a"))
	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, 2, sink.callCount())
	assert.Len(t, sink.batches, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.retries))
}

func TestPersistGivesUp(t *testing.T) {
	m := capture.NewShardedMap(16)
	sink := &fakeSink{fail: 5}
	c := newTestCollector(t, m, sink)

	m.Upsert(key(1, "1.1.1.1", model.ProtocolTCP, model.DirectionSend), 10, 1, model.MakeComm("a"))
	err := c.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, 2, sink.callCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.persistFails))

	// The snapshot is still published and the map was still drained.
	assert.Equal(t, uint64(10), c.Current().Totals().Tx)
	assert.Zero(t, m.Len())

	// The loop carries on with the next interval.
	sink.fail = 0
	m.Upsert(key(1, "1.1.1.1", model.ProtocolTCP, model.DirectionSend), 5, 1, model.MakeComm("a"))
	require.NoError(t, c.Tick(context.Background()))
	require.Len(t, sink.batches, 1)
	assert.Equal(t, uint64(5), sink.batches[0][0].TxBytes)
}

func TestPersistRetryCount(t *testing.T) {
	tests := []struct {
		retries   int
		fail      int
		wantCalls int
		wantErr   bool
	}{
		{retries: 0, fail: 1, wantCalls: 1, wantErr: true},
		{retries: 3, fail: 2, wantCalls: 3},
		{retries: 3, fail: 9, wantCalls: 4, wantErr: true},
	}
	for _, tt := range tests {
		m := capture.NewShardedMap(16)
		sink := &fakeSink{fail: tt.fail}
		c := newTestCollector(t, m, sink, WithRetries(tt.retries))

		m.Upsert(key(1, "1.1.1.1", model.ProtocolTCP, model.DirectionSend), 10, 1, model.MakeComm("a"))
		err := c.Tick(context.Background())
		if tt.wantErr {
			assert.ErrorContains(t, err, "database is locked")
		} else {
			assert.NoError(t, err)
		}
		assert.Equal(t, tt.wantCalls, sink.callCount(), "retries=%d fail=%d", tt.retries, tt.fail)
		assert.Equal(t, float64(tt.wantCalls-1), testutil.ToFloat64(c.metrics.retries))
	}
}

func TestDrainFailure(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCollector(t, failingSource{}, sink)

	err := c.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "draining capture map")
	assert.Zero(t, sink.callCount())
	assert.Nil(t, c.Current())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.drainErrors))
}

func TestDroppedEventsCounted(t *testing.T) {
	m := capture.NewShardedMap(1)
	c := newTestCollector(t, m, &fakeSink{})

	require.True(t, m.Upsert(key(1, "1.1.1.1", model.ProtocolTCP, model.DirectionSend), 1, 1, model.MakeComm("a")))
	require.False(t, m.Upsert(key(2, "1.1.1.1", model.ProtocolTCP, model.DirectionSend), 1, 1, model.MakeComm("b")))
	require.False(t, m.Upsert(key(3, "1.1.1.1", model.ProtocolTCP, model.DirectionSend), 1, 1, model.MakeComm("c")))

	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.dropped))
	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.dropped), "only new drops are counted")
}

func TestRunTicksAndSkipsOverlap(t *testing.T) {
	m := capture.NewShardedMap(16)
	sink := &fakeSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	mock := clock.NewMock()
	c := newTestCollector(t, m, sink, WithClock(mock), WithInterval(time.Second))

	m.Upsert(key(1, "1.1.1.1", model.ProtocolTCP, model.DirectionSend), 10, 1, model.MakeComm("a"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// The first tick blocks inside the sink.
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case <-sink.entered:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return testutil.ToFloat64(c.metrics.skipped) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// Shutdown waits for the tick in flight, which still persists.
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a tick was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(sink.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 1, sink.callCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.ticks))
}

func TestAggregate(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	entries := []capture.Entry{
		{Key: key(10, "1.1.1.1", model.ProtocolTCP, model.DirectionSend), Value: model.CaptureValue{Bytes: 100, Packets: 2, LastUpdate: 5, Comm: model.MakeComm("old-name")}},
		{Key: key(10, "1.1.1.1", model.ProtocolTCP, model.DirectionReceive), Value: model.CaptureValue{Bytes: 40, Packets: 1, LastUpdate: 9, Comm: model.MakeComm("new-name")}},
		{Key: key(10, "8.8.8.8", model.ProtocolUDP, model.DirectionSend), Value: model.CaptureValue{Bytes: 0, LastUpdate: 20, Comm: model.MakeComm("ignored")}},
		{Key: key(20, "8.8.8.8", model.ProtocolUDP, model.DirectionReceive), Value: model.CaptureValue{Bytes: 7, Packets: 1, LastUpdate: 3, Comm: model.MakeComm("Socket Thread")}},
		{Key: key(30, "8.8.8.8", model.ProtocolUDP, model.DirectionSend), Value: model.CaptureValue{Bytes: 1, Packets: 1}},
	}

	stats, records := aggregate(entries, at, staticNames{20: "firefox"})

	require.Len(t, stats, 3)
	assert.Equal(t, uint32(10), stats[0].PID)
	assert.Equal(t, "new-name", stats[0].Name)
	assert.Equal(t, uint64(100), stats[0].TxBytes)
	assert.Equal(t, uint64(40), stats[0].RxBytes)
	assert.Equal(t, uint64(2), stats[0].TxPackets)
	assert.Equal(t, uint64(40), stats[0].TCPRx)
	assert.Len(t, stats[0].Remotes, 1, "zero byte entries are ignored")
	assert.Equal(t, "firefox", stats[1].Name)
	assert.Equal(t, UnknownProcess, stats[2].Name)

	require.Len(t, records, 3)
	assert.Equal(t, model.BandwidthRecord{
		Time: at, PID: 10, ProcessName: "new-name", TxBytes: 100, RxBytes: 40,
		Protocol: model.ProtocolTCP, RemoteAddr: netip.MustParseAddr("1.1.1.1"),
	}, records[0])
	assert.Equal(t, uint32(20), records[1].PID)
	assert.Equal(t, uint32(30), records[2].PID)
}

func TestPickName(t *testing.T) {
	names := staticNames{1: "nginx"}
	assert.Equal(t, "curl", pickName(1, "curl", names))
	assert.Equal(t, "nginx", pickName(1, "", names))
	assert.Equal(t, "nginx", pickName(1, "DNS Res~ver #3", names))
	assert.Equal(t, "Socket Thread", pickName(2, "Socket Thread", names))
	assert.Equal(t, UnknownProcess, pickName(2, "", names))
	assert.Equal(t, UnknownProcess, pickName(2, "", nil))
}

func TestProcNames(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "123"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "123", "comm"), []byte("nginx\n"), 0o644))

	names, err := NewProcNames(root, 8)
	require.NoError(t, err)
	assert.Equal(t, "nginx", names.Resolve(123))
	assert.Equal(t, "", names.Resolve(456))

	// Cached after the process is gone.
	require.NoError(t, os.RemoveAll(filepath.Join(root, "123")))
	assert.Equal(t, "nginx", names.Resolve(123))
	names.Forget(123)
	assert.Equal(t, "", names.Resolve(123))
}

func TestProcNamesReusedPID(t *testing.T) {
	root := t.TempDir()
	comm := filepath.Join(root, "123", "comm")
	require.NoError(t, os.MkdirAll(filepath.Dir(comm), 0o755))
	require.NoError(t, os.WriteFile(comm, []byte("nginx\n"), 0o644))

	names, err := NewProcNames(root, 8)
	require.NoError(t, err)
	assert.Equal(t, "nginx", pickName(123, "Socket Thread", names))

	// pid 123 exits and is reused by redis.
	require.NoError(t, os.WriteFile(comm, []byte("redis\n"), 0o644))
	assert.Equal(t, "nginx", pickName(123, "", names), "still cached")
	assert.Equal(t, "redis", pickName(123, "redis", names))
	assert.Equal(t, "redis", pickName(123, "Socket Thread", names))

	// The same name again keeps the entry.
	names.Observe(123, "redis")
	require.NoError(t, os.RemoveAll(filepath.Dir(comm)))
	assert.Equal(t, "redis", names.Resolve(123))
}
