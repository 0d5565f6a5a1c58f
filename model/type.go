package model

import (
	"encoding/binary"
	"net/netip"
	"time"
)

// Protocol mirrors the u16 protocol field of the kernel capture key.
type Protocol uint16

const (
	ProtocolTCP Protocol = 0
	ProtocolUDP Protocol = 1
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	default:
		return "UNKNOWN"
	}
}

// ParseProtocol is the inverse of Protocol.String.
func ParseProtocol(s string) (Protocol, bool) {
	switch s {
	case "TCP", "tcp":
		return ProtocolTCP, true
	case "UDP", "udp":
		return ProtocolUDP, true
	}
	return 0, false
}

// Direction mirrors the u16 direction field of the kernel capture key.
type Direction uint16

const (
	DirectionSend    Direction = 0
	DirectionReceive Direction = 1
)

func (d Direction) String() string {
	if d == DirectionSend {
		return "TX"
	}
	return "RX"
}

// CommLen is TASK_COMM_LEN in the kernel.
const CommLen = 16

// CaptureKey is the key of the kernel capture map. The layout must match
// struct capture_key in bpf/bandwidth.c byte for byte.
type CaptureKey struct {
	PID        uint32
	RemoteAddr uint32 // skc_daddr, network byte order
	Protocol   Protocol
	Direction  Direction
}

// CaptureValue is one CPU's share of a capture map slot. The layout must
// match struct capture_value in bpf/bandwidth.c.
type CaptureValue struct {
	Bytes      uint64
	Packets    uint64
	LastUpdate uint64 // bpf_ktime_get_ns
	Comm       [CommLen]byte
}

// Add folds another per-CPU share into v. The comm of the most recently
// updated share wins.
func (v *CaptureValue) Add(o CaptureValue) {
	v.Bytes += o.Bytes
	v.Packets += o.Packets
	if o.LastUpdate >= v.LastUpdate {
		v.LastUpdate = o.LastUpdate
		if o.Comm[0] != 0 {
			v.Comm = o.Comm
		}
	}
}

// ParseComm turns a NUL padded comm buffer into a string.
func ParseComm(comm [CommLen]byte) string {
	for i, c := range comm {
		if c == 0 {
			return string(comm[:i])
		}
	}
	return string(comm[:])
}

// MakeComm truncates name to a NUL padded comm buffer.
func MakeComm(name string) [CommLen]byte {
	var comm [CommLen]byte
	copy(comm[:CommLen-1], name)
	return comm
}

// AddrFromKernel converts skc_daddr, which the kernel stores in network
// byte order and the map hands back in host order, to an address.
func AddrFromKernel(daddr uint32) netip.Addr {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], daddr)
	return netip.AddrFrom4(b)
}

// AddrToKernel is the inverse of AddrFromKernel.
func AddrToKernel(addr netip.Addr) uint32 {
	b := addr.As4()
	return binary.LittleEndian.Uint32(b[:])
}

// BandwidthRecord is one persisted delta: what a process moved over one
// protocol to one remote address during one drain interval.
type BandwidthRecord struct {
	Time        time.Time
	PID         uint32
	ProcessName string
	TxBytes     uint64
	RxBytes     uint64
	Protocol    Protocol
	RemoteAddr  netip.Addr
}

// IPBandwidthRecord carries the same delta, stored in the per endpoint table.
type IPBandwidthRecord BandwidthRecord

// HourlyStat is the per process rollup of one wall clock hour.
type HourlyStat struct {
	HourStart   time.Time
	ProcessName string
	TotalTx     uint64
	TotalRx     uint64
	TCPTx       uint64
	TCPRx       uint64
	UDPTx       uint64
	UDPRx       uint64
}

// Add accumulates a record into the rollup.
func (h *HourlyStat) Add(r BandwidthRecord) {
	h.TotalTx += r.TxBytes
	h.TotalRx += r.RxBytes
	switch r.Protocol {
	case ProtocolTCP:
		h.TCPTx += r.TxBytes
		h.TCPRx += r.RxBytes
	case ProtocolUDP:
		h.UDPTx += r.TxBytes
		h.UDPRx += r.RxBytes
	}
}

// Traffic is a tx/rx pair.
type Traffic struct {
	Tx uint64 `json:"tx"`
	Rx uint64 `json:"rx"`
}

func (t Traffic) Total() uint64 { return t.Tx + t.Rx }

// ProcessStats is one process's activity over a single drain interval.
type ProcessStats struct {
	PID       uint32                 `json:"pid"`
	Name      string                 `json:"name"`
	TxBytes   uint64                 `json:"tx_bytes"`
	RxBytes   uint64                 `json:"rx_bytes"`
	TxPackets uint64                 `json:"tx_packets"`
	RxPackets uint64                 `json:"rx_packets"`
	TCPTx     uint64                 `json:"tcp_tx"`
	TCPRx     uint64                 `json:"tcp_rx"`
	UDPTx     uint64                 `json:"udp_tx"`
	UDPRx     uint64                 `json:"udp_rx"`
	Remotes   map[netip.Addr]Traffic `json:"remotes"`
}

// Snapshot is the immutable result of one drain. A new one is built on
// every tick; readers may hold on to it as long as they like.
type Snapshot struct {
	Version   uint64          `json:"version"`
	Time      time.Time       `json:"time"`
	Interval  time.Duration   `json:"interval"`
	Processes []*ProcessStats `json:"processes"`
}

// Totals sums tx and rx over every process in the snapshot.
func (s *Snapshot) Totals() Traffic {
	var t Traffic
	if s == nil {
		return t
	}
	for _, p := range s.Processes {
		t.Tx += p.TxBytes
		t.Rx += p.RxBytes
	}
	return t
}
