package bpf

import (
	"fmt"
	"strings"
)

// Backend is the kernel mechanism used to instrument functions.
type Backend string

const (
	// Kprobe attaches one kprobe per function.
	Kprobe Backend = "kprobe"
	// KprobeMulti attaches one kprobe-multi link per argument position.
	KprobeMulti Backend = "kprobe-multi"
	// Ftrace loads an fentry/fexit pair per function.
	Ftrace Backend = "ftrace"
)

// Backends lists every supported backend.
var Backends = []Backend{Kprobe, KprobeMulti, Ftrace}

// ParseBackend validates s.
func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	if !b.Valid() {
		return "", fmt.Errorf("%w: %q (expected kprobe, kprobe-multi or ftrace)", ErrUnsupportedBackend, s)
	}

	return b, nil
}

func (b Backend) Valid() bool {
	switch b {
	case Kprobe, KprobeMulti, Ftrace:
		return true
	}

	return false
}

func (b *Backend) UnmarshalText(text []byte) error {
	parsed, err := ParseBackend(string(text))
	if err != nil {
		return err
	}

	*b = parsed

	return nil
}

func (b Backend) MarshalText() ([]byte, error) {
	if !b.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, string(b))
	}

	return []byte(b), nil
}

// MaxPos is the number of sk_buff argument positions the backend can probe.
// kprobes read arguments from registers; ftrace trampolines on older kernels
// only pass six arguments.
func (b Backend) MaxPos() int {
	switch b {
	case Kprobe, KprobeMulti:
		return 5
	case Ftrace:
		return 6
	}

	return 0
}

// MaxArgs limits the arity of traceable functions. Zero means no limit.
func (b Backend) MaxArgs() int {
	if b == Ftrace {
		return 6
	}

	return 0
}

// HasExit reports whether the backend also probes function return.
func (b Backend) HasExit() bool {
	return b == Ftrace
}
