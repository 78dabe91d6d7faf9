package bpf

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/btf"
	"github.com/stretchr/testify/require"
)

type fakeModule struct {
	image []byte
	err   error
}

func (f *fakeModule) ProgramImage() ([]byte, error) {
	return f.image, f.err
}

var testLayout = Layout{MarkOffset: 168}

// objectModule serves an object from testdata. The .ll sources next to each
// object show how it was built.
func objectModule(t *testing.T, name string) *fakeModule {
	t.Helper()

	raw, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)

	return &fakeModule{image: raw}
}

func requireNoTempFiles(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "image builder left files in TMPDIR")
}

func TestBuildImage(t *testing.T) {
	if len(kprobeArgOffsets) == 0 {
		t.Skip("kprobe backends unsupported on this architecture")
	}

	tests := []struct {
		name      string
		backend   Backend
		programs  int
		withExits bool
	}{
		{name: "kprobe", backend: Kprobe, programs: 5},
		{name: "kprobe-multi", backend: KprobeMulti, programs: 5},
		{name: "ftrace", backend: Ftrace, programs: 12, withExits: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := t.TempDir()
			t.Setenv("TMPDIR", tmp)

			img, err := BuildImage(tt.backend, nil, testLayout)
			require.NoError(t, err)
			requireNoTempFiles(t, tmp)

			require.Equal(t, tt.backend, img.Backend)
			require.Len(t, img.Spec.Programs, tt.programs)
			require.Contains(t, img.Spec.Maps, EventsMapName)
			require.Contains(t, img.Spec.Maps, ConfigMapName)
			require.Len(t, img.Entries.Entry, tt.backend.MaxPos())

			if tt.withExits {
				require.Len(t, img.Entries.Exit, tt.backend.MaxPos())
			} else {
				require.Empty(t, img.Entries.Exit)
			}

			for _, name := range append(img.Entries.Entry, img.Entries.Exit...) {
				prog, ok := img.Spec.Programs[name]
				require.True(t, ok, name)
				require.Equal(t, name, prog.Instructions[0].Symbol())
				require.True(t, callsModule(prog.Instructions))

				idx := symbolIndex(prog.Instructions, ModuleFunc)
				require.Positive(t, idx, "module not linked into %s", name)
			}
		})
	}
}

func TestBuildImage_ProgramTypes(t *testing.T) {
	img, err := BuildImage(Ftrace, nil, testLayout)
	require.NoError(t, err)

	for pos := range img.Entries.Entry {
		entry := img.Spec.Programs[img.Entries.Entry[pos]]
		exit := img.Spec.Programs[img.Entries.Exit[pos]]

		require.Equal(t, ebpf.Tracing, entry.Type)
		require.Equal(t, ebpf.AttachTraceFEntry, entry.AttachType)
		require.Equal(t, ebpf.Tracing, exit.Type)
		require.Equal(t, ebpf.AttachTraceFExit, exit.AttachType)
	}

	if len(kprobeArgOffsets) == 0 {
		return
	}

	img, err = BuildImage(KprobeMulti, nil, testLayout)
	require.NoError(t, err)

	for _, name := range img.Entries.Entry {
		require.Equal(t, ebpf.Kprobe, img.Spec.Programs[name].Type)
		require.Equal(t, ebpf.AttachTraceKprobeMulti, img.Spec.Programs[name].AttachType)
	}
}

func TestBuildImage_Errors(t *testing.T) {
	errImage := errors.New("no such object")

	tests := []struct {
		name    string
		backend Backend
		src     ModuleSource
		wantErr error
	}{
		{name: "unsupported backend", backend: Backend("uprobe"), wantErr: ErrUnsupportedBackend},
		{name: "module source fails", backend: Ftrace, src: &fakeModule{err: errImage}, wantErr: errImage},
		{name: "module is not an elf", backend: Ftrace, src: &fakeModule{image: []byte("not an elf")}},
		{name: "module left in .text", backend: Ftrace, src: objectModule(t, "module_text.o"), wantErr: ErrModuleNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := t.TempDir()
			t.Setenv("TMPDIR", tmp)

			img, err := BuildImage(tt.backend, tt.src, testLayout)
			require.Error(t, err)
			require.Nil(t, img)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}

			requireNoTempFiles(t, tmp)
		})
	}
}

func TestBuildImage_ObjectModule(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	img, err := BuildImage(Ftrace, objectModule(t, "module.o"), testLayout)
	require.NoError(t, err)
	requireNoTempFiles(t, tmp)

	hits, ok := img.Spec.Maps["module_hits"]
	require.True(t, ok, "module map not merged")
	require.Equal(t, ebpf.Array, hits.Type)
	require.Equal(t, uint32(4), hits.KeySize)
	require.Equal(t, uint32(8), hits.ValueSize)
	require.Equal(t, uint32(1), hits.MaxEntries)

	require.NotContains(t, img.Spec.Programs, ModuleFunc)

	for _, name := range append(img.Entries.Entry, img.Entries.Exit...) {
		insns := img.Spec.Programs[name].Instructions

		idx := symbolIndex(insns, ModuleFunc)
		require.Positive(t, idx, "module not linked into %s", name)

		var mapLoads int
		for _, ins := range insns[idx:] {
			require.Nil(t, btf.FuncMetadata(&ins))

			if ins.IsLoadFromMap() && ins.Reference() == "module_hits" {
				mapLoads++
			}
		}

		require.Equal(t, 1, mapLoads, "module map reference lost in %s", name)
	}
}

func TestBuildImage_ModuleErrorNamesSection(t *testing.T) {
	_, err := BuildImage(Ftrace, objectModule(t, "module_text.o"), testLayout)
	require.ErrorIs(t, err, ErrModuleNotFound)
	require.ErrorContains(t, err, "kprobe/module")
}

func TestLinkModule_Conflicts(t *testing.T) {
	target, _, err := newTarget(Ftrace, testLayout)
	require.NoError(t, err)

	tests := []struct {
		name   string
		module asm.Instructions
		maps   map[string]*ebpf.MapSpec
	}{
		{
			name:   "map name taken",
			module: noopModule(),
			maps:   map[string]*ebpf.MapSpec{EventsMapName: {Name: EventsMapName, Type: ebpf.Hash}},
		},
		{
			name: "symbol taken",
			module: append(noopModule(),
				asm.Mov.Imm(asm.R0, 0).WithSymbol(stubExitLabel),
				asm.Return(),
			),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := linkModule(target, tt.module, tt.maps)
			require.ErrorIs(t, err, ErrLinkConflict)
		})
	}
}

func TestLinkModule_MergesMapsWithoutTouchingTarget(t *testing.T) {
	target, eps, err := newTarget(Ftrace, testLayout)
	require.NoError(t, err)

	before := len(target.Programs[eps.Entry[0]].Instructions)

	linked, err := linkModule(target, noopModule(), map[string]*ebpf.MapSpec{
		"counters": {Name: "counters", Type: ebpf.Array, KeySize: 4, ValueSize: 8, MaxEntries: 1},
	})
	require.NoError(t, err)

	require.Contains(t, linked.Maps, "counters")
	require.NotContains(t, target.Maps, "counters")
	require.Len(t, target.Programs[eps.Entry[0]].Instructions, before)
	require.Len(t, linked.Programs[eps.Entry[0]].Instructions, before+len(noopModule()))
}

func symbolIndex(insns asm.Instructions, sym string) int {
	for i, ins := range insns {
		if ins.Symbol() == sym {
			return i
		}
	}

	return -1
}
