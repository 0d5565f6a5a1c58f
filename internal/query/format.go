package query

import (
	"math"

	"github.com/dustin/go-humanize"
)

// Bytes is a byte count together with its human readable form.
type Bytes struct {
	Value     uint64 `json:"value"`
	Formatted string `json:"formatted"`
}

func NewBytes(n uint64) Bytes {
	return Bytes{Value: n, Formatted: FormatBytes(n)}
}

// Throughput is a rate in bytes per second together with its human
// readable form.
type Throughput struct {
	Value     float64 `json:"value"`
	Formatted string  `json:"formatted"`
}

func NewThroughput(bps float64) Throughput {
	return Throughput{Value: bps, Formatted: FormatRate(bps)}
}

// FormatBytes renders n with binary units, e.g. "1.5 KiB".
func FormatBytes(n uint64) string {
	return humanize.IBytes(n)
}

// FormatRate renders a bytes per second rate, e.g. "12 KiB/s".
func FormatRate(bps float64) string {
	if bps <= 0 || math.IsNaN(bps) {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(math.Round(bps))) + "/s"
}
