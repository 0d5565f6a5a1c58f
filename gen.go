package main

// -D__TARGET_ARCH_x86 enables the register macros in bpf_tracing.h.
// Use -D__TARGET_ARCH_arm64 when building on arm64.
// The generated bindings land in internal/capture/bpf, next to the object they embed.

//go:generate go tool bpf2go -target bpfel -cflags "-D__TARGET_ARCH_x86" -go-package bpf -output-dir internal/capture/bpf Bandwidth bpf/bandwidth.c -- -I./headers
