package bpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
)

var ErrKprobeMultiUnsupported = errors.New("kprobe-multi is not supported by this kernel")

// ProbeSymbol is attached to when probing for kprobe-multi support.
const ProbeSymbol = "__kfree_skb"

// ProbeKprobeMulti loads a trivial kprobe-multi program and attaches it to
// ProbeSymbol.
func ProbeKprobeMulti() error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("failed to remove memlock limit: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:       "skbtrace_probe",
		Type:       ebpf.Kprobe,
		AttachType: ebpf.AttachTraceKprobeMulti,
		License:    "GPL",
		Instructions: asm.Instructions{
			asm.Mov.Imm(asm.R0, 0),
			asm.Return(),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKprobeMultiUnsupported, err)
	}
	defer prog.Close()

	l, err := link.KprobeMulti(prog, link.KprobeMultiOptions{Symbols: []string{ProbeSymbol}})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKprobeMultiUnsupported, err)
	}

	return l.Close()
}
