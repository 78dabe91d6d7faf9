package bpf

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

const (
	// ModuleFunc is the hook every entry stub calls before emitting an event.
	ModuleFunc = "module"

	stubExitLabel = "skbtrace_out"

	// BPF_F_CURRENT_CPU
	currentCPU = 0xffffffff
)

// Stack layout of a stub, relative to the frame pointer.
const (
	eventOff     = -EventSize
	tstampOff    = eventOff + 8
	faddrOff     = eventOff + 16
	cpuOff       = eventOff + 24
	isReturnOff  = eventOff + 28
	dataOff      = eventOff + 32
	markOff      = eventOff - 8
	configKeyOff = eventOff - 12
)

// EntryPoints names the programs of an image, indexed by sk_buff argument
// position. Exit is only populated for backends that probe function return.
type EntryPoints struct {
	Entry []string
	Exit  []string
}

func entryName(pos int) string { return fmt.Sprintf("skbtrace_entry%d", pos) }
func exitName(pos int) string  { return fmt.Sprintf("skbtrace_exit%d", pos) }

func eventsMapSpec() *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       EventsMapName,
		Type:       ebpf.PerfEventArray,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: 0,
	}
}

func configMapSpec() *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       ConfigMapName,
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 1,
	}
}

// newTarget builds the unlinked collection for backend b. Every program ends
// with a call to ModuleFunc which is left unresolved.
func newTarget(b Backend, layout Layout) (*ebpf.CollectionSpec, EntryPoints, error) {
	spec := &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			EventsMapName: eventsMapSpec(),
			ConfigMapName: configMapSpec(),
		},
		Programs: make(map[string]*ebpf.ProgramSpec),
	}

	var eps EntryPoints

	maxPos := b.MaxPos()

	switch b {
	case Kprobe, KprobeMulti:
		if len(kprobeArgOffsets) < maxPos {
			return nil, eps, fmt.Errorf("%w: %s is not available on this architecture", ErrUnsupportedBackend, b)
		}

		var attachType ebpf.AttachType
		if b == KprobeMulti {
			attachType = ebpf.AttachTraceKprobeMulti
		}

		for pos := 0; pos < maxPos; pos++ {
			name := entryName(pos)
			spec.Programs[name] = &ebpf.ProgramSpec{
				Name:         name,
				Type:         ebpf.Kprobe,
				AttachType:   attachType,
				License:      "GPL",
				Instructions: stub(name, kprobeArgOffsets[pos], layout.MarkOffset, false),
			}
			eps.Entry = append(eps.Entry, name)
		}
	case Ftrace:
		for pos := 0; pos < maxPos; pos++ {
			argOff := int16(8 * pos)

			entry, exit := entryName(pos), exitName(pos)
			spec.Programs[entry] = &ebpf.ProgramSpec{
				Name:         entry,
				Type:         ebpf.Tracing,
				AttachType:   ebpf.AttachTraceFEntry,
				License:      "GPL",
				Instructions: stub(entry, argOff, layout.MarkOffset, false),
			}
			spec.Programs[exit] = &ebpf.ProgramSpec{
				Name:         exit,
				Type:         ebpf.Tracing,
				AttachType:   ebpf.AttachTraceFExit,
				License:      "GPL",
				Instructions: stub(exit, argOff, layout.MarkOffset, true),
			}
			eps.Entry = append(eps.Entry, entry)
			eps.Exit = append(eps.Exit, exit)
		}
	default:
		return nil, eps, fmt.Errorf("%w: %q", ErrUnsupportedBackend, string(b))
	}

	return spec, eps, nil
}

// stub loads the sk_buff pointer found argOff bytes into the context, drops
// packets that do not match the configured mark, and emits one event.
//
// r6 holds the context, r7 the sk_buff and r8 the config value.
func stub(symbol string, argOff int16, markOffset uint32, isReturn bool) asm.Instructions {
	ret := int64(0)
	if isReturn {
		ret = 1
	}

	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1).WithSymbol(symbol),
		asm.LoadMem(asm.R7, asm.R6, argOff, asm.DWord),
	}

	for off := int16(eventOff); off < 0; off += 8 {
		insns = append(insns, asm.StoreImm(asm.RFP, off, 0, asm.DWord))
	}

	insns = append(insns,
		// cfg = config[0]
		asm.StoreImm(asm.RFP, configKeyOff, 0, asm.Word),
		asm.LoadMapPtr(asm.R1, 0).WithReference(ConfigMapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, configKeyOff),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, stubExitLabel),
		asm.Mov.Reg(asm.R8, asm.R0),

		// mark = skb->mark
		asm.StoreImm(asm.RFP, markOff, 0, asm.Word),
		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, markOff),
		asm.Mov.Imm(asm.R2, 4),
		asm.Mov.Reg(asm.R3, asm.R7),
		asm.Add.Imm(asm.R3, int32(markOffset)),
		asm.FnProbeReadKernel.Call(),

		// if (mark & cfg->mask) != (cfg->mark & cfg->mask) goto out
		asm.LoadMem(asm.R1, asm.RFP, markOff, asm.Word),
		asm.LoadMem(asm.R2, asm.R8, 0, asm.Word),
		asm.LoadMem(asm.R3, asm.R8, 4, asm.Word),
		asm.And.Reg(asm.R1, asm.R3),
		asm.And.Reg(asm.R2, asm.R3),
		asm.JNE.Reg(asm.R1, asm.R2, stubExitLabel),

		asm.StoreMem(asm.RFP, eventOff, asm.R7, asm.DWord),
		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.RFP, tstampOff, asm.R0, asm.DWord),
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.FnGetFuncIp.Call(),
		asm.StoreMem(asm.RFP, faddrOff, asm.R0, asm.DWord),
		asm.FnGetSmpProcessorId.Call(),
		asm.StoreMem(asm.RFP, cpuOff, asm.R0, asm.Word),
		asm.StoreImm(asm.RFP, isReturnOff, ret, asm.Byte),

		// module(ctx, skb, event.data)
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.Mov.Reg(asm.R2, asm.R7),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, dataOff),
		asm.Call.Label(ModuleFunc),

		// perf_event_output(ctx, &events, BPF_F_CURRENT_CPU, &event, sizeof(event))
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, 0).WithReference(EventsMapName),
		asm.LoadImm(asm.R3, currentCPU, asm.DWord),
		asm.Mov.Reg(asm.R4, asm.RFP),
		asm.Add.Imm(asm.R4, eventOff),
		asm.Mov.Imm(asm.R5, EventSize),
		asm.FnPerfEventOutput.Call(),

		asm.Mov.Imm(asm.R0, 0).WithSymbol(stubExitLabel),
		asm.Return(),
	)

	return insns
}

// noopModule is linked when no script provides a module.
func noopModule() asm.Instructions {
	return asm.Instructions{
		asm.Mov.Imm(asm.R0, 0).WithSymbol(ModuleFunc),
		asm.Return(),
	}
}
