package collector

import (
	"net/netip"
	"sort"
	"time"

	"bwtrack/internal/capture"
	"bwtrack/model"
)

type recordKey struct {
	pid      uint32
	remote   netip.Addr
	protocol model.Protocol
}

type pidComm struct {
	comm       string
	lastUpdate uint64
}

// aggregate folds drained entries into per process stats and into the rows
// to persist. Send and receive entries of the same (pid, remote, protocol)
// share one row. Entries without bytes produce nothing.
func aggregate(entries []capture.Entry, at time.Time, names NameResolver) ([]*model.ProcessStats, []model.BandwidthRecord) {
	comms := make(map[uint32]pidComm)
	for _, e := range entries {
		if e.Value.Bytes == 0 {
			continue
		}
		c := comms[e.Key.PID]
		comm := model.ParseComm(e.Value.Comm)
		if comm != "" && (c.comm == "" || e.Value.LastUpdate >= c.lastUpdate) {
			c = pidComm{comm: comm, lastUpdate: e.Value.LastUpdate}
		}
		comms[e.Key.PID] = c
	}

	procs := make(map[uint32]*model.ProcessStats, len(comms))
	rows := make(map[recordKey]*model.BandwidthRecord)
	for _, e := range entries {
		if e.Value.Bytes == 0 {
			continue
		}
		pid := e.Key.PID
		p, ok := procs[pid]
		if !ok {
			p = &model.ProcessStats{
				PID:     pid,
				Name:    pickName(pid, comms[pid].comm, names),
				Remotes: make(map[netip.Addr]model.Traffic),
			}
			procs[pid] = p
		}

		remote := model.AddrFromKernel(e.Key.RemoteAddr)
		k := recordKey{pid: pid, remote: remote, protocol: e.Key.Protocol}
		r, ok := rows[k]
		if !ok {
			r = &model.BandwidthRecord{
				Time:        at,
				PID:         pid,
				ProcessName: p.Name,
				Protocol:    e.Key.Protocol,
				RemoteAddr:  remote,
			}
			rows[k] = r
		}

		tr := p.Remotes[remote]
		switch e.Key.Direction {
		case model.DirectionSend:
			p.TxBytes += e.Value.Bytes
			p.TxPackets += e.Value.Packets
			tr.Tx += e.Value.Bytes
			r.TxBytes += e.Value.Bytes
			if e.Key.Protocol == model.ProtocolTCP {
				p.TCPTx += e.Value.Bytes
			} else {
				p.UDPTx += e.Value.Bytes
			}
		case model.DirectionReceive:
			p.RxBytes += e.Value.Bytes
			p.RxPackets += e.Value.Packets
			tr.Rx += e.Value.Bytes
			r.RxBytes += e.Value.Bytes
			if e.Key.Protocol == model.ProtocolTCP {
				p.TCPRx += e.Value.Bytes
			} else {
				p.UDPRx += e.Value.Bytes
			}
		}
		p.Remotes[remote] = tr
	}

	stats := make([]*model.ProcessStats, 0, len(procs))
	for _, p := range procs {
		stats = append(stats, p)
	}
	sort.Slice(stats, func(i, j int) bool {
		ti, tj := stats[i].TxBytes+stats[i].RxBytes, stats[j].TxBytes+stats[j].RxBytes
		if ti == tj {
			return stats[i].PID < stats[j].PID
		}
		return ti > tj
	})

	records := make([]model.BandwidthRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, *r)
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.PID != b.PID {
			return a.PID < b.PID
		}
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		return a.RemoteAddr.Less(b.RemoteAddr)
	})
	return stats, records
}

func ipRecords(records []model.BandwidthRecord) []model.IPBandwidthRecord {
	out := make([]model.IPBandwidthRecord, len(records))
	for i, r := range records {
		out[i] = model.IPBandwidthRecord(r)
	}
	return out
}
