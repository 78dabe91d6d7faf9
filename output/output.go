// Package output turns probe events into something an operator can read.
package output

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/tcassar-diss/skbtrace/bpf"
	"github.com/tcassar-diss/skbtrace/bpf/symsdb"
)

var ErrUnknownOutput = errors.New("unknown output")

// Output receives every event of a run, then PostTrace once.
type Output interface {
	OnTrace(ev *bpf.Event) error
	PostTrace() error
}

type Kind string

const (
	Aggregate Kind = "aggregate"
	JSON      Kind = "json"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Aggregate, JSON:
		return k, nil
	}

	return "", fmt.Errorf("%w: %q (expected aggregate or json)", ErrUnknownOutput, s)
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}

	*k = parsed

	return nil
}

// Resolver maps a function address to the symbol containing it.
type Resolver interface {
	Resolve(addr uint64) (*symsdb.Symbol, bool)
}

// Field is one named value extracted from an event's module data.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Decoder extracts fields from the data area filled by the module hook.
type Decoder interface {
	Decode(data [bpf.DataSize]byte) []Field
}

type Options struct {
	// TraceCapacity bounds the number of packets the aggregate output holds
	// before flushing the least recently seen one.
	TraceCapacity int
	Logger        *zap.SugaredLogger
}

const DefaultTraceCapacity = 4096

// New builds the output of the given kind writing to w. r and d may be nil.
func New(kind Kind, w io.Writer, r Resolver, d Decoder, opts Options) (Output, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	switch kind {
	case Aggregate:
		return NewAggregate(w, r, d, opts)
	case JSON:
		return NewJSON(w, r, d), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownOutput, string(kind))
}

// funcName renders addr as symbol+offset when r knows it.
func funcName(r Resolver, addr uint64) string {
	if r != nil {
		if sym, ok := r.Resolve(addr); ok {
			if off := addr - sym.Addr; off != 0 {
				return fmt.Sprintf("%s+0x%x", sym.Name, off)
			}

			return sym.Name
		}
	}

	return fmt.Sprintf("0x%x", addr)
}

func decode(d Decoder, ev *bpf.Event) []Field {
	if d == nil {
		return nil
	}

	return d.Decode(ev.Data)
}
