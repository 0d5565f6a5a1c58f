// Package bpf holds the bpf2go bindings for bpf/bandwidth.c.
// Run `go generate` at the repository root to produce them.
package bpf
