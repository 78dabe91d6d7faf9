//go:build !amd64 && !arm64

package bpf

// The kprobe backends are not available on this architecture.
var kprobeArgOffsets []int16
