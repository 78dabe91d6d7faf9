package bpf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedBackend = errors.New("unsupported backend")
	ErrNoEntryPoint       = errors.New("no entry point for argument position")
	ErrLinkConflict       = errors.New("conflicting symbol while linking module")
	ErrModuleNotFound     = errors.New("module function not found in object")
	ErrShortEvent         = errors.New("event shorter than expected")
	ErrFieldNotFound      = errors.New("struct field not found in kernel BTF")
)

const (
	// EventsMapName is the perf event array the stubs write to.
	EventsMapName = "events"
	// ConfigMapName holds the single TraceConfig entry.
	ConfigMapName = "config"

	// EventSize is the size of an event on the wire.
	EventSize = 96
	// DataSize is the size of the scratch area handed to the module hook.
	DataSize = 64
)

// TraceConfig is the packet selection applied in kernel space. Only packets
// for which skb->mark & Mask == Mark & Mask are traced.
type TraceConfig struct {
	Mark uint32
	Mask uint32
}

// Event is a single probe hit.
type Event struct {
	// PacketID identifies the packet, it is the address of its sk_buff.
	PacketID  uint64
	Timestamp uint64
	FuncAddr  uint64
	CPU       uint32
	IsReturn  bool
	Data      [DataSize]byte
}

// rawEvent mirrors the stub's stack layout.
type rawEvent struct {
	PacketID    uint64
	Tstamp      uint64
	Faddr       uint64
	ProcessorID uint32
	IsReturn    uint8
	_           [3]uint8
	Data        [DataSize]byte
}

// DecodeEvent unmarshals the payload of a sample record. Trailing bytes
// (perf pads samples to 8 bytes) are ignored.
func DecodeEvent(data []byte) (*Event, error) {
	if len(data) < EventSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrShortEvent, len(data), EventSize)
	}

	var raw rawEvent

	if err := binary.Read(bytes.NewReader(data[:EventSize]), binary.LittleEndian, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &Event{
		PacketID:  raw.PacketID,
		Timestamp: raw.Tstamp,
		FuncAddr:  raw.Faddr,
		CPU:       raw.ProcessorID,
		IsReturn:  raw.IsReturn != 0,
		Data:      raw.Data,
	}, nil
}
