//go:build linux

// Package kprobe loads bpf/bandwidth.c, attaches it to the socket send and
// receive paths and drains its per-CPU capture map.
package kprobe

import (
	"context"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"bwtrack/internal/capture"
	"bwtrack/internal/capture/bpf"
	"bwtrack/model"
)

// Options tune the kernel side.
type Options struct {
	// MaxEntries overrides the compiled capacity of capture_map.
	MaxEntries int
}

type hook struct {
	symbol string
	prog   *ebpf.Program
	ret    bool
}

// Source is a capture.Source backed by the kernel capture map.
type Source struct {
	objs   bpf.BandwidthObjects
	links  []link.Link
	logger *zap.Logger
	// Whether the kernel supports lookup-and-delete on per-CPU hashes.
	atomicDrain bool
}

var (
	_ capture.Source      = (*Source)(nil)
	_ capture.DropCounter = (*Source)(nil)
)

// Load loads the BPF objects and attaches every hook. Any attach failure is
// fatal: everything already attached is detached again and a
// *capture.AttachError is returned.
func Load(opts Options, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("kprobe")

	// Kernels before 5.11 account BPF memory against RLIMIT_MEMLOCK.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock: %w", err)
	}

	spec, err := bpf.LoadBandwidth()
	if err != nil {
		return nil, fmt.Errorf("loading BPF spec: %w", err)
	}
	if opts.MaxEntries > 0 {
		spec.Maps["capture_map"].MaxEntries = uint32(opts.MaxEntries)
	}

	s := &Source{logger: logger, atomicDrain: true}
	if err := spec.LoadAndAssign(&s.objs, nil); err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			logger.Error("BPF verifier error", zap.String("log", fmt.Sprintf("%+v", ve)))
			return nil, fmt.Errorf("BPF verifier rejected program: %w", err)
		}
		return nil, fmt.Errorf("loading BPF objects: %w", err)
	}

	// Return probes go in before their entry probes so a scratch slot is
	// never written without a consumer.
	hooks := []hook{
		{symbol: "tcp_sendmsg", prog: s.objs.KprobeTcpSendmsg},
		{symbol: "tcp_recvmsg", prog: s.objs.KretprobeTcpRecvmsg, ret: true},
		{symbol: "tcp_recvmsg", prog: s.objs.KprobeTcpRecvmsg},
		{symbol: "udp_sendmsg", prog: s.objs.KprobeUdpSendmsg},
		{symbol: "udp_recvmsg", prog: s.objs.KretprobeUdpRecvmsg, ret: true},
		{symbol: "udp_recvmsg", prog: s.objs.KprobeUdpRecvmsg},
	}
	for _, h := range hooks {
		var l link.Link
		if h.ret {
			l, err = link.Kretprobe(h.symbol, h.prog, nil)
		} else {
			l, err = link.Kprobe(h.symbol, h.prog, nil)
		}
		if err != nil {
			if cerr := s.Close(); cerr != nil {
				logger.Warn("releasing partially attached probes", zap.Error(cerr))
			}
			return nil, &capture.AttachError{Symbol: h.symbol, Ret: h.ret, Err: err}
		}
		s.links = append(s.links, l)
		logger.Debug("attached", zap.String("symbol", h.symbol), zap.Bool("ret", h.ret))
	}

	logger.Info("kernel capture attached",
		zap.Int("hooks", len(s.links)),
		zap.Uint32("max_entries", s.objs.CaptureMap.MaxEntries()))
	return s, nil
}

// DrainAll walks the key space first and then takes each slot with a single
// lookup-and-delete, so a kernel write can only land before the take (and
// be drained now) or after it (and recreate the slot for the next tick).
func (s *Source) DrainAll(ctx context.Context) ([]capture.Entry, error) {
	m := s.objs.CaptureMap

	keys := make([]model.CaptureKey, 0, 64)
	var key, next model.CaptureKey
	var prev interface{}
	for {
		if err := m.NextKey(prev, &next); err != nil {
			if errors.Is(err, ebpf.ErrKeyNotExist) {
				break
			}
			return nil, fmt.Errorf("iterating capture map: %w", err)
		}
		keys = append(keys, next)
		key = next
		prev = &key
		if len(keys) > int(m.MaxEntries()) {
			// The map was being refilled faster than we walk it.
			break
		}
	}

	entries := make([]capture.Entry, 0, len(keys))
	var shares []model.CaptureValue
	for i := range keys {
		if err := ctx.Err(); err != nil {
			return entries, err
		}
		ok, err := s.take(m, &keys[i], &shares)
		if err != nil {
			return entries, fmt.Errorf("draining capture map: %w", err)
		}
		if !ok {
			continue
		}
		var v model.CaptureValue
		for _, share := range shares {
			v.Add(share)
		}
		entries = append(entries, capture.Entry{Key: keys[i], Value: v})
	}
	return entries, nil
}

func (s *Source) take(m *ebpf.Map, key *model.CaptureKey, shares *[]model.CaptureValue) (bool, error) {
	if s.atomicDrain {
		err := m.LookupAndDelete(key, shares)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ebpf.ErrKeyNotExist):
			return false, nil
		case errors.Is(err, ebpf.ErrNotSupported):
			s.logger.Warn("lookup-and-delete unsupported on per-CPU hash, falling back to lookup then delete")
			s.atomicDrain = false
		default:
			return false, err
		}
	}

	if err := m.Lookup(key, shares); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := m.Delete(key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return false, err
	}
	return true, nil
}

// Dropped sums the per-CPU count of events lost to a full capture map.
func (s *Source) Dropped() (uint64, error) {
	var zero uint32
	var counts []uint64
	if err := s.objs.DroppedEvents.Lookup(&zero, &counts); err != nil {
		return 0, fmt.Errorf("reading dropped events: %w", err)
	}
	var total uint64
	for _, c := range counts {
		total += c
	}
	return total, nil
}

// Close detaches every hook and releases the BPF objects. All of it is
// attempted even when an earlier step fails.
func (s *Source) Close() error {
	var err error
	for _, l := range s.links {
		err = multierr.Append(err, l.Close())
	}
	s.links = nil
	return multierr.Append(err, s.objs.Close())
}
