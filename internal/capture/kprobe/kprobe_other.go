//go:build !linux

package kprobe

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"bwtrack/internal/capture"
)

var errUnsupported = errors.New("kernel capture requires linux")

type Options struct {
	MaxEntries int
}

type Source struct{}

func Load(Options, *zap.Logger) (*Source, error) { return nil, errUnsupported }

func (*Source) DrainAll(context.Context) ([]capture.Entry, error) { return nil, errUnsupported }

func (*Source) Dropped() (uint64, error) { return 0, errUnsupported }

func (*Source) Close() error { return nil }
