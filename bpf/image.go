package bpf

import (
	"bytes"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/btf"
)

// ModuleSource provides the ELF object holding the module hook. The hook must
// be a function named ModuleFunc placed in a program section of its own, for
// example SEC("kprobe/module"). Functions left in .text are only kept as
// callees of other programs and cannot be found.
type ModuleSource interface {
	ProgramImage() ([]byte, error)
}

// Image is a linked collection ready to be loaded. It is consumed by a single
// call to Load.
type Image struct {
	Backend Backend
	Spec    *ebpf.CollectionSpec
	Entries EntryPoints
}

// BuildImage links the backend's stubs against the module provided by src,
// or against a module that does nothing if src is nil. Everything happens in
// memory.
func BuildImage(backend Backend, src ModuleSource, layout Layout) (*Image, error) {
	if !backend.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, string(backend))
	}

	target, eps, err := newTarget(backend, layout)
	if err != nil {
		return nil, err
	}

	insns, maps, err := loadModule(src)
	if err != nil {
		return nil, err
	}

	linked, err := linkModule(target, insns, maps)
	if err != nil {
		return nil, err
	}

	return &Image{
		Backend: backend,
		Spec:    linked,
		Entries: eps,
	}, nil
}

func loadModule(src ModuleSource) (asm.Instructions, map[string]*ebpf.MapSpec, error) {
	if src == nil {
		return noopModule(), nil, nil
	}

	raw, err := src.ProgramImage()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read module image: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse module image: %w", err)
	}

	prog, ok := spec.Programs[ModuleFunc]
	if !ok || len(prog.Instructions) == 0 || prog.Instructions[0].Symbol() != ModuleFunc {
		return nil, nil, fmt.Errorf("%w: %q must start a program section such as %q, not .text",
			ErrModuleNotFound, ModuleFunc, "kprobe/"+ModuleFunc)
	}

	// Line and function info of the module would only describe part of the
	// linked program, which the kernel rejects.
	insns := make(asm.Instructions, len(prog.Instructions))
	for i, ins := range prog.Instructions {
		insns[i] = btf.WithFuncMetadata(ins, nil).WithSource(nil)
	}

	return insns, spec.Maps, nil
}

// linkModule appends module to every program of target that calls ModuleFunc
// and merges the module's maps. target is not modified.
func linkModule(target *ebpf.CollectionSpec, module asm.Instructions, maps map[string]*ebpf.MapSpec) (*ebpf.CollectionSpec, error) {
	out := target.Copy()

	symbols := make(map[string]struct{})
	for _, prog := range out.Programs {
		for _, ins := range prog.Instructions {
			if sym := ins.Symbol(); sym != "" {
				symbols[sym] = struct{}{}
			}
		}
	}

	for _, ins := range module {
		if _, ok := symbols[ins.Symbol()]; ok {
			return nil, fmt.Errorf("%w: symbol %q", ErrLinkConflict, ins.Symbol())
		}
	}

	for name, m := range maps {
		if _, ok := out.Maps[name]; ok {
			return nil, fmt.Errorf("%w: map %q", ErrLinkConflict, name)
		}

		out.Maps[name] = m.Copy()
	}

	for _, prog := range out.Programs {
		if !callsModule(prog.Instructions) {
			continue
		}

		prog.Instructions = append(prog.Instructions, module...)
	}

	return out, nil
}

func callsModule(insns asm.Instructions) bool {
	for _, ins := range insns {
		if ins.IsFunctionCall() && ins.Reference() == ModuleFunc {
			return true
		}
	}

	return false
}
