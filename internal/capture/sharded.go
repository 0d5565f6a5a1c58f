package capture

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"bwtrack/model"
)

// DefaultMaxEntries matches MAX_CAPTURE_ENTRIES in bpf/bandwidth.c.
const DefaultMaxEntries = 10240

// Map is the write/drain contract of the capture map.
type Map interface {
	Upsert(key model.CaptureKey, deltaBytes, deltaPackets uint64, comm [model.CommLen]byte) bool
	DrainAll(ctx context.Context) ([]Entry, error)
}

type slot struct {
	bytes      []atomic.Uint64 // one counter per shard
	packets    []atomic.Uint64
	lastUpdate atomic.Int64
	comm       atomic.Pointer[[model.CommLen]byte]
}

// ShardedMap is an in-process capture map laid out like the kernel's per-CPU
// hash. Writers add to their own shard of a slot; DrainAll sums the shards.
// Existing keys are updated under a read lock only, so writers do not block
// each other; the write lock is taken to insert a key or to drain.
type ShardedMap struct {
	mu         sync.RWMutex
	slots      map[model.CaptureKey]*slot
	shards     int
	maxEntries int
	next       atomic.Uint32
	dropped    atomic.Uint64
	now        func() time.Time
}

var (
	_ Map         = (*ShardedMap)(nil)
	_ Source      = (*ShardedMap)(nil)
	_ DropCounter = (*ShardedMap)(nil)
)

// NewShardedMap returns a map holding at most maxEntries keys, with one
// shard per CPU.
func NewShardedMap(maxEntries int) *ShardedMap {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &ShardedMap{
		slots:      make(map[model.CaptureKey]*slot),
		shards:     runtime.NumCPU(),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Upsert adds one event to key. It returns false when the key is new and
// the map is already full; the event is then dropped.
func (m *ShardedMap) Upsert(key model.CaptureKey, deltaBytes, deltaPackets uint64, comm [model.CommLen]byte) bool {
	shard := int(m.next.Add(1) % uint32(m.shards))

	m.mu.RLock()
	s, ok := m.slots[key]
	if ok {
		m.add(s, shard, deltaBytes, deltaPackets, comm)
		m.mu.RUnlock()
		return true
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok = m.slots[key]
	if !ok {
		if len(m.slots) >= m.maxEntries {
			m.dropped.Add(1)
			return false
		}
		s = &slot{
			bytes:   make([]atomic.Uint64, m.shards),
			packets: make([]atomic.Uint64, m.shards),
		}
		m.slots[key] = s
	}
	m.add(s, shard, deltaBytes, deltaPackets, comm)
	return true
}

func (m *ShardedMap) add(s *slot, shard int, deltaBytes, deltaPackets uint64, comm [model.CommLen]byte) {
	s.bytes[shard].Add(deltaBytes)
	s.packets[shard].Add(deltaPackets)
	s.lastUpdate.Store(m.now().UnixNano())
	if comm[0] != 0 {
		s.comm.Store(&comm)
	}
}

// DrainAll swaps the slot table for an empty one and sums what it took.
func (m *ShardedMap) DrainAll(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	taken := m.slots
	m.slots = make(map[model.CaptureKey]*slot, len(taken))
	m.mu.Unlock()

	entries := make([]Entry, 0, len(taken))
	for key, s := range taken {
		var v model.CaptureValue
		for i := range s.bytes {
			v.Bytes += s.bytes[i].Load()
			v.Packets += s.packets[i].Load()
		}
		v.LastUpdate = uint64(s.lastUpdate.Load())
		if comm := s.comm.Load(); comm != nil {
			v.Comm = *comm
		}
		entries = append(entries, Entry{Key: key, Value: v})
	}
	return entries, nil
}

// Len reports the number of live keys.
func (m *ShardedMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.slots)
}

func (m *ShardedMap) Dropped() (uint64, error) { return m.dropped.Load(), nil }

func (m *ShardedMap) Close() error { return nil }
