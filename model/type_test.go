package model

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCommRoundTrip(t *testing.T) {
	assert.Equal(t, "curl", ParseComm(MakeComm("curl")))
	assert.Equal(t, "", ParseComm([CommLen]byte{}))

	long := MakeComm("a-very-long-process-name")
	assert.Equal(t, "a-very-long-pro", ParseComm(long))
	assert.Equal(t, byte(0), long[CommLen-1])
}

func TestAddrFromKernel(t *testing.T) {
	// 1.2.3.4 as skc_daddr reads back as 0x04030201 on little endian hosts.
	addr := AddrFromKernel(0x04030201)
	assert.Equal(t, netip.MustParseAddr("1.2.3.4"), addr)
	assert.Equal(t, uint32(0x04030201), AddrToKernel(addr))
}

func TestCaptureValueAdd(t *testing.T) {
	v := CaptureValue{Bytes: 10, Packets: 1, LastUpdate: 5, Comm: MakeComm("old")}
	v.Add(CaptureValue{Bytes: 20, Packets: 2, LastUpdate: 9, Comm: MakeComm("new")})
	v.Add(CaptureValue{Bytes: 1, Packets: 1, LastUpdate: 7, Comm: MakeComm("stale")})

	assert.Equal(t, uint64(31), v.Bytes)
	assert.Equal(t, uint64(4), v.Packets)
	assert.Equal(t, uint64(9), v.LastUpdate)
	assert.Equal(t, "new", ParseComm(v.Comm))
}

func TestHourlyStatAdd(t *testing.T) {
	var h HourlyStat
	h.Add(BandwidthRecord{TxBytes: 100, RxBytes: 10, Protocol: ProtocolTCP})
	h.Add(BandwidthRecord{TxBytes: 5, RxBytes: 50, Protocol: ProtocolUDP})

	assert.Equal(t, HourlyStat{TotalTx: 105, TotalRx: 60, TCPTx: 100, TCPRx: 10, UDPTx: 5, UDPRx: 50}, h)
}

func TestWindowBuckets(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		window   time.Duration
		interval time.Duration
		want     int
	}{
		{"exact", time.Hour, 5 * time.Minute, 12},
		{"partial tail", 61 * time.Minute, 5 * time.Minute, 13},
		{"interval larger than window", 3 * time.Minute, 5 * time.Minute, 1},
		{"empty window", 0, 5 * time.Minute, 0},
		{"bad interval", time.Hour, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := Window{Start: start, End: start.Add(tt.window)}
			assert.Equal(t, tt.want, w.Buckets(tt.interval))
		})
	}
}

func TestWindowContains(t *testing.T) {
	now := time.Now()
	w := LastWindow(now, time.Minute)
	assert.True(t, w.Contains(now.Add(-time.Minute)))
	assert.True(t, w.Contains(now.Add(-time.Second)))
	assert.False(t, w.Contains(now))
	assert.Equal(t, time.Minute, w.Duration())
}

func TestSnapshotTotals(t *testing.T) {
	var nilSnap *Snapshot
	assert.Equal(t, Traffic{}, nilSnap.Totals())

	s := &Snapshot{Processes: []*ProcessStats{
		{TxBytes: 1, RxBytes: 2},
		{TxBytes: 10, RxBytes: 20},
	}}
	assert.Equal(t, Traffic{Tx: 11, Rx: 22}, s.Totals())
}
