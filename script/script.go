// Package script loads a user supplied module: a BPF object exporting a
// `module` function, and a description of the values it stores in each
// event's data area.
//
// The function has to sit in a program section of its own, for example
// SEC("kprobe/module"). A plain function lands in .text, which is not
// loaded as a program, and the object is rejected.
//
// A descriptor looks like:
//
//	object = "drops.o"
//
//	[[fields]]
//	name   = "len"
//	offset = 0
//	size   = 4
//
//	[[fields]]
//	name   = "protocol"
//	offset = 4
//	size   = 2
//	format = "hex"
package script

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/tcassar-diss/skbtrace/bpf"
	"github.com/tcassar-diss/skbtrace/output"
)

var ErrInvalidField = errors.New("invalid field")

type Format string

const (
	Dec Format = "dec"
	Hex Format = "hex"
)

type FieldSpec struct {
	Name   string `toml:"name"`
	Offset int    `toml:"offset"`
	Size   int    `toml:"size"`
	Format Format `toml:"format"`
}

type descriptorTOML struct {
	Object string      `toml:"object"`
	Fields []FieldSpec `toml:"fields"`
}

// Script implements bpf.ModuleSource and output.Decoder.
type Script struct {
	logger  *zap.SugaredLogger
	object  string
	fields  []FieldSpec
	decoded atomic.Uint64
}

// Load reads the descriptor at path. A relative object path is taken
// relative to the descriptor.
func Load(logger *zap.SugaredLogger, path string) (*Script, error) {
	var parsed descriptorTOML

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open script descriptor: %w", err)
	}
	defer file.Close()

	if _, err := toml.NewDecoder(file).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse script descriptor: %w", err)
	}

	if parsed.Object == "" {
		return nil, fmt.Errorf("script descriptor %s names no object", path)
	}

	if !filepath.IsAbs(parsed.Object) {
		parsed.Object = filepath.Join(filepath.Dir(path), parsed.Object)
	}

	if err := validateFields(parsed.Fields); err != nil {
		return nil, err
	}

	return &Script{
		logger: logger,
		object: parsed.Object,
		fields: parsed.Fields,
	}, nil
}

func validateFields(fields []FieldSpec) error {
	for i := range fields {
		f := &fields[i]

		if f.Name == "" {
			return fmt.Errorf("%w: field %d has no name", ErrInvalidField, i)
		}

		switch f.Size {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("%w: %s: size %d (expected 1, 2, 4 or 8)", ErrInvalidField, f.Name, f.Size)
		}

		if f.Offset < 0 || f.Offset+f.Size > bpf.DataSize {
			return fmt.Errorf("%w: %s: bytes %d-%d outside the %d byte data area",
				ErrInvalidField, f.Name, f.Offset, f.Offset+f.Size, bpf.DataSize)
		}

		switch f.Format {
		case "":
			f.Format = Dec
		case Dec, Hex:
		default:
			return fmt.Errorf("%w: %s: format %q (expected dec or hex)", ErrInvalidField, f.Name, f.Format)
		}
	}

	return nil
}

func (s *Script) Object() string {
	return s.object
}

// ProgramImage returns the module object.
func (s *Script) ProgramImage() ([]byte, error) {
	b, err := os.ReadFile(s.object)
	if err != nil {
		return nil, fmt.Errorf("failed to read module object: %w", err)
	}

	return b, nil
}

// Decode extracts the declared fields, in declaration order.
func (s *Script) Decode(data [bpf.DataSize]byte) []output.Field {
	s.decoded.Add(1)

	out := make([]output.Field, 0, len(s.fields))

	for _, f := range s.fields {
		raw := data[f.Offset : f.Offset+f.Size]

		var v uint64

		switch f.Size {
		case 1:
			v = uint64(raw[0])
		case 2:
			v = uint64(binary.LittleEndian.Uint16(raw))
		case 4:
			v = uint64(binary.LittleEndian.Uint32(raw))
		case 8:
			v = binary.LittleEndian.Uint64(raw)
		}

		value := strconv.FormatUint(v, 10)
		if f.Format == Hex {
			value = "0x" + strconv.FormatUint(v, 16)
		}

		out = append(out, output.Field{Name: f.Name, Value: value})
	}

	return out
}

// Fini is called once after the last event.
func (s *Script) Fini() error {
	s.logger.Infow("script finished", "object", s.object, "decoded_events", s.decoded.Load())

	return nil
}
