package bpf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type positions map[int][]string

func (p positions) SymbolsAt(pos int) []string {
	return p[pos]
}

func TestApplyFtraceInitTargets(t *testing.T) {
	img, err := BuildImage(Ftrace, nil, testLayout)
	require.NoError(t, err)

	db := positions{
		0: {"__kfree_skb", "consume_skb"},
		2: {"ip_rcv"},
	}

	require.NoError(t, ApplyFtraceInitTargets(img, db))

	for pos := range img.Entries.Entry {
		entry, hasEntry := img.Spec.Programs[img.Entries.Entry[pos]]
		exit, hasExit := img.Spec.Programs[img.Entries.Exit[pos]]

		syms := db[pos]
		if len(syms) == 0 {
			require.False(t, hasEntry, "pos %d", pos)
			require.False(t, hasExit, "pos %d", pos)

			continue
		}

		require.True(t, hasEntry)
		require.True(t, hasExit)
		require.Equal(t, syms[0], entry.AttachTo)
		require.Equal(t, syms[0], exit.AttachTo)
	}

	require.Len(t, img.Spec.Programs, 4)
}

func TestApplyFtraceInitTargets_WrongBackend(t *testing.T) {
	if len(kprobeArgOffsets) == 0 {
		t.Skip("kprobe backends unsupported on this architecture")
	}

	img, err := BuildImage(Kprobe, nil, testLayout)
	require.NoError(t, err)

	require.ErrorIs(t, ApplyFtraceInitTargets(img, positions{}), ErrUnsupportedBackend)
}
