package output

import (
	"bufio"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/tcassar-diss/skbtrace/bpf"
)

type jsonEvent struct {
	PacketID  string  `json:"packet_id"`
	Timestamp uint64  `json:"tstamp"`
	Func      string  `json:"func"`
	FuncAddr  string  `json:"faddr"`
	CPU       uint32  `json:"cpu"`
	IsReturn  bool    `json:"is_return"`
	Fields    []Field `json:"fields,omitempty"`
}

// JSONOutput writes one JSON object per event as events arrive.
type JSONOutput struct {
	w        *bufio.Writer
	enc      *json.Encoder
	resolver Resolver
	decoder  Decoder
}

func NewJSON(w io.Writer, r Resolver, d Decoder) *JSONOutput {
	bw := bufio.NewWriter(w)

	return &JSONOutput{
		w:        bw,
		enc:      json.NewEncoder(bw),
		resolver: r,
		decoder:  d,
	}
}

func (j *JSONOutput) OnTrace(ev *bpf.Event) error {
	err := j.enc.Encode(jsonEvent{
		PacketID:  fmt.Sprintf("0x%x", ev.PacketID),
		Timestamp: ev.Timestamp,
		Func:      funcName(j.resolver, ev.FuncAddr),
		FuncAddr:  fmt.Sprintf("0x%x", ev.FuncAddr),
		CPU:       ev.CPU,
		IsReturn:  ev.IsReturn,
		Fields:    decode(j.decoder, ev),
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return nil
}

func (j *JSONOutput) PostTrace() error {
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush events: %w", err)
	}

	return nil
}
