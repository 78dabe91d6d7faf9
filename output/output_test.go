package output_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/tcassar-diss/skbtrace/bpf"
	"github.com/tcassar-diss/skbtrace/bpf/symsdb"
	"github.com/tcassar-diss/skbtrace/output"
)

func testDB() *symsdb.DB {
	return symsdb.New([]*symsdb.Symbol{
		{Name: "ip_rcv", Addr: 0x1000, Pos: 0},
		{Name: "tcp_v4_rcv", Addr: 0x2000, Pos: 0},
	}, 5)
}

type lenDecoder struct{}

func (lenDecoder) Decode(data [bpf.DataSize]byte) []output.Field {
	return []output.Field{{Name: "len", Value: "60"}}
}

func TestParseKind(t *testing.T) {
	k, err := output.ParseKind("json")
	require.NoError(t, err)
	require.Equal(t, output.JSON, k)

	_, err = output.ParseKind("csv")
	require.ErrorIs(t, err, output.ErrUnknownOutput)

	_, err = output.New(output.Kind("csv"), &bytes.Buffer{}, nil, nil, output.Options{})
	require.ErrorIs(t, err, output.ErrUnknownOutput)
}

func TestAggregate_PostTraceOrdersHits(t *testing.T) {
	var buf bytes.Buffer

	out, err := output.New(output.Aggregate, &buf, testDB(), nil, output.Options{TraceCapacity: 8})
	require.NoError(t, err)

	// delivered out of order, as happens across CPUs
	require.NoError(t, out.OnTrace(&bpf.Event{PacketID: 0xa, Timestamp: 3000, FuncAddr: 0x2000}))
	require.NoError(t, out.OnTrace(&bpf.Event{PacketID: 0xa, Timestamp: 1000, FuncAddr: 0x1000}))
	require.NoError(t, out.OnTrace(&bpf.Event{PacketID: 0xa, Timestamp: 2000, FuncAddr: 0x1010, IsReturn: true}))
	require.Empty(t, buf.String())

	require.NoError(t, out.PostTrace())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "packet 0xa: 3 hits", lines[0])
	require.Contains(t, lines[1], "> ip_rcv")
	require.Contains(t, lines[2], "< ip_rcv+0x10")
	require.Contains(t, lines[3], "> tcp_v4_rcv")
	require.Contains(t, lines[3], "+2.000us")
}

func TestAggregate_EvictionFlushesOldest(t *testing.T) {
	var buf bytes.Buffer

	out, err := output.New(output.Aggregate, &buf, nil, nil, output.Options{TraceCapacity: 2})
	require.NoError(t, err)

	for _, id := range []uint64{1, 2, 1, 3} {
		require.NoError(t, out.OnTrace(&bpf.Event{PacketID: id, Timestamp: id}))
	}

	// packet 2 was least recently seen when packet 3 arrived
	require.Equal(t, "packet 0x2: 1 hits", strings.Split(buf.String(), "\n")[0])

	buf.Reset()
	require.NoError(t, out.PostTrace())

	var headers []string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.HasPrefix(l, "packet") {
			headers = append(headers, l)
		}
	}

	require.Equal(t, []string{"packet 0x1: 2 hits", "packet 0x3: 1 hits"}, headers)
}

func TestAggregate_Fields(t *testing.T) {
	var buf bytes.Buffer

	out, err := output.New(output.Aggregate, &buf, nil, lenDecoder{}, output.Options{})
	require.NoError(t, err)

	require.NoError(t, out.OnTrace(&bpf.Event{PacketID: 1, FuncAddr: 0xdead}))
	require.NoError(t, out.PostTrace())
	require.Contains(t, buf.String(), "0xdead [len=60]")
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer

	out, err := output.New(output.JSON, &buf, testDB(), lenDecoder{}, output.Options{})
	require.NoError(t, err)

	require.NoError(t, out.OnTrace(&bpf.Event{PacketID: 0xff, Timestamp: 5, FuncAddr: 0x2004, CPU: 2}))
	require.NoError(t, out.OnTrace(&bpf.Event{PacketID: 0xff, Timestamp: 6, FuncAddr: 0x2000, IsReturn: true}))
	require.NoError(t, out.PostTrace())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var got struct {
		PacketID string         `json:"packet_id"`
		Func     string         `json:"func"`
		CPU      uint32         `json:"cpu"`
		IsReturn bool           `json:"is_return"`
		Fields   []output.Field `json:"fields"`
	}

	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	require.Equal(t, "0xff", got.PacketID)
	require.Equal(t, "tcp_v4_rcv+0x4", got.Func)
	require.Equal(t, uint32(2), got.CPU)
	require.False(t, got.IsReturn)
	require.Equal(t, []output.Field{{Name: "len", Value: "60"}}, got.Fields)
}
