// Package capture is the user-space side of the kernel capture map: the
// Source the collector drains and an in-process map with the same semantics.
package capture

import (
	"context"
	"fmt"

	"bwtrack/model"
)

// Entry is one drained slot with its per-CPU shares already summed.
type Entry struct {
	Key   model.CaptureKey
	Value model.CaptureValue
}

// Source is anything the collector can drain. DrainAll returns every live
// slot and removes it in the same step, so the next call only sees traffic
// that arrived afterwards.
type Source interface {
	DrainAll(ctx context.Context) ([]Entry, error)
	Close() error
}

// DropCounter is implemented by sources that count events lost to a full map.
type DropCounter interface {
	Dropped() (uint64, error)
}

// AttachError reports a kernel hook that could not be installed.
type AttachError struct {
	Symbol string
	Ret    bool
	Err    error
}

func (e *AttachError) Error() string {
	kind := "kprobe"
	if e.Ret {
		kind = "kretprobe"
	}
	return fmt.Sprintf("attaching %s %s: %v", kind, e.Symbol, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }
