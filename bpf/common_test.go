package bpf_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tcassar-diss/skbtrace/bpf"
)

func rawEvent(packetID, tstamp, faddr uint64, cpu uint32, isReturn bool) []byte {
	b := make([]byte, bpf.EventSize)
	binary.LittleEndian.PutUint64(b[0:], packetID)
	binary.LittleEndian.PutUint64(b[8:], tstamp)
	binary.LittleEndian.PutUint64(b[16:], faddr)
	binary.LittleEndian.PutUint32(b[24:], cpu)

	if isReturn {
		b[28] = 1
	}

	for i := 0; i < bpf.DataSize; i++ {
		b[32+i] = byte(i)
	}

	return b
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *bpf.Event
		wantErr error
	}{
		{
			name: "entry",
			data: rawEvent(0xffff888003a1c000, 1000, 0xffffffff81a00000, 3, false),
			want: &bpf.Event{PacketID: 0xffff888003a1c000, Timestamp: 1000, FuncAddr: 0xffffffff81a00000, CPU: 3},
		},
		{
			name: "return with perf padding",
			data: append(rawEvent(1, 2, 3, 4, true), 0, 0, 0, 0),
			want: &bpf.Event{PacketID: 1, Timestamp: 2, FuncAddr: 3, CPU: 4, IsReturn: true},
		},
		{
			name:    "short",
			data:    make([]byte, bpf.EventSize-1),
			wantErr: bpf.ErrShortEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := bpf.DecodeEvent(tt.data)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)

			for i := range tt.want.Data {
				tt.want.Data[i] = byte(i)
			}

			require.Equal(t, tt.want, ev)
		})
	}
}
