package capture

import (
	"context"
	"math/rand/v2"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"bwtrack/model"
)

// SyntheticProcess describes one fake talker for Generator.
type SyntheticProcess struct {
	PID     uint32
	Name    string
	Remotes []netip.Addr
	// Upper bound of bytes per event.
	MaxBytes uint64
}

// DefaultSyntheticProcesses is a small, plausible mix of traffic.
var DefaultSyntheticProcesses = []SyntheticProcess{
	{PID: 1201, Name: "curl", Remotes: []netip.Addr{netip.MustParseAddr("93.184.216.34")}, MaxBytes: 64 << 10},
	{PID: 1337, Name: "firefox", Remotes: []netip.Addr{netip.MustParseAddr("142.250.74.78"), netip.MustParseAddr("151.101.1.69")}, MaxBytes: 256 << 10},
	{PID: 812, Name: "systemd-resolve", Remotes: []netip.Addr{netip.MustParseAddr("1.1.1.1")}, MaxBytes: 512},
	{PID: 2048, Name: "sshd", Remotes: []netip.Addr{netip.MustParseAddr("10.0.0.12")}, MaxBytes: 4 << 10},
}

// Generator feeds random events into a Map. It stands in for the kernel
// hooks on hosts where BPF cannot be loaded.
type Generator struct {
	m         Map
	processes []SyntheticProcess
	period    time.Duration
	logger    *zap.Logger
}

func NewGenerator(m Map, processes []SyntheticProcess, period time.Duration, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(processes) == 0 {
		processes = DefaultSyntheticProcesses
	}
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	return &Generator{m: m, processes: processes, period: period, logger: logger.Named("synthetic")}
}

// Run emits events until ctx is done.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.period)
	defer ticker.Stop()

	g.logger.Info("generating synthetic traffic", zap.Int("processes", len(g.processes)))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Emit()
		}
	}
}

// Emit produces one event per process.
func (g *Generator) Emit() {
	for _, p := range g.processes {
		if len(p.Remotes) == 0 || p.MaxBytes == 0 {
			continue
		}
		key := model.CaptureKey{
			PID:        p.PID,
			RemoteAddr: model.AddrToKernel(p.Remotes[rand.IntN(len(p.Remotes))]),
			Protocol:   model.Protocol(rand.IntN(2)),
			Direction:  model.Direction(rand.IntN(2)),
		}
		if !g.m.Upsert(key, 1+rand.Uint64N(p.MaxBytes), 1, model.MakeComm(p.Name)) {
			g.logger.Debug("capture map full, event dropped", zap.Uint32("pid", p.PID))
		}
	}
}
