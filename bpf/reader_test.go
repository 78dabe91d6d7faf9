package bpf

import (
	"testing"

	"github.com/cilium/ebpf/perf"
	"github.com/stretchr/testify/require"
)

func TestToRecord(t *testing.T) {
	tests := []struct {
		name string
		in   perf.Record
		want Record
	}{
		{
			name: "sample",
			in:   perf.Record{CPU: 2, RawSample: []byte{1, 2, 3}},
			want: Record{Kind: RecordSample, CPU: 2, Data: []byte{1, 2, 3}},
		},
		{
			name: "lost",
			in:   perf.Record{CPU: 1, LostSamples: 7},
			want: Record{Kind: RecordLost, CPU: 1, Lost: 7},
		},
		{
			name: "neither",
			in:   perf.Record{CPU: 0},
			want: Record{Kind: RecordUnknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, toRecord(tt.in))
		})
	}
}
