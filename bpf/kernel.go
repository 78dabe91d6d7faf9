package bpf

import (
	"fmt"

	"github.com/cilium/ebpf/btf"
)

// Layout carries the kernel struct offsets the stubs depend on.
type Layout struct {
	// MarkOffset is the byte offset of mark within struct sk_buff.
	MarkOffset uint32
}

// KernelLayout reads the running kernel's BTF.
func KernelLayout() (Layout, error) {
	spec, err := btf.LoadKernelSpec()
	if err != nil {
		return Layout{}, fmt.Errorf("failed to load kernel btf: %w", err)
	}

	return LayoutFromSpec(spec)
}

func LayoutFromSpec(spec *btf.Spec) (Layout, error) {
	var skb *btf.Struct
	if err := spec.TypeByName("sk_buff", &skb); err != nil {
		return Layout{}, fmt.Errorf("failed to find struct sk_buff: %w", err)
	}

	off, err := markOffset(skb)
	if err != nil {
		return Layout{}, err
	}

	return Layout{MarkOffset: off}, nil
}

func markOffset(skb *btf.Struct) (uint32, error) {
	off, ok := memberOffset(skb.Members, "mark")
	if !ok {
		return 0, fmt.Errorf("%w: sk_buff.mark", ErrFieldNotFound)
	}

	return off, nil
}

// memberOffset searches members, descending into anonymous structs and
// unions.
func memberOffset(members []btf.Member, name string) (uint32, bool) {
	for _, m := range members {
		if m.Name == name {
			return m.Offset.Bytes(), true
		}

		if m.Name != "" {
			continue
		}

		var nested []btf.Member

		switch t := btf.UnderlyingType(m.Type).(type) {
		case *btf.Struct:
			nested = t.Members
		case *btf.Union:
			nested = t.Members
		default:
			continue
		}

		if off, ok := memberOffset(nested, name); ok {
			return m.Offset.Bytes() + off, true
		}
	}

	return 0, false
}
