package symsdb

import (
	"fmt"

	"github.com/cilium/ebpf/btf"
)

// skbStructName is the kernel's packet buffer type.
const skbStructName = "sk_buff"

// Options controls which functions make it into the DB.
type Options struct {
	// MaxPos excludes functions whose sk_buff argument is at or beyond it.
	MaxPos int
	// MaxArgs excludes functions with more parameters than this. Zero means
	// no limit.
	MaxArgs int
	// KallsymsPath defaults to DefaultKallsymsPath.
	KallsymsPath string
}

// Build creates a DB from the running kernel's BTF and kallsyms.
func Build(opts Options) (*DB, error) {
	spec, err := btf.LoadKernelSpec()
	if err != nil {
		return nil, fmt.Errorf("failed to load kernel BTF: %w", err)
	}

	path := opts.KallsymsPath
	if path == "" {
		path = DefaultKallsymsPath
	}

	ksyms, err := ReadKallsyms(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read kallsyms: %w", err)
	}

	var funcs []*btf.Func

	iter := spec.Iterate()
	for iter.Next() {
		if fn, ok := iter.Type.(*btf.Func); ok {
			funcs = append(funcs, fn)
		}
	}

	return FromFuncs(funcs, spec.TypeID, ksyms, opts)
}

// FromFuncs builds a DB from a set of BTF functions. typeID resolves the BTF
// ID recorded in each symbol's Meta. Functions missing from ksyms cannot be
// probed and are skipped.
func FromFuncs(
	funcs []*btf.Func,
	typeID func(btf.Type) (btf.TypeID, error),
	ksyms Kallsyms,
	opts Options,
) (*DB, error) {
	syms := make([]*Symbol, 0, len(funcs)/8)

	for _, fn := range funcs {
		proto, ok := fn.Type.(*btf.FuncProto)
		if !ok {
			continue
		}

		if opts.MaxArgs > 0 && len(proto.Params) > opts.MaxArgs {
			continue
		}

		pos := SkbPosition(proto)
		if pos < 0 || pos >= opts.MaxPos {
			continue
		}

		addr, ok := ksyms[fn.Name]
		if !ok {
			continue
		}

		id, err := typeID(fn)
		if err != nil {
			return nil, fmt.Errorf("failed to get type id of %s: %w", fn.Name, err)
		}

		syms = append(syms, &Symbol{
			Name: fn.Name,
			Addr: addr,
			Pos:  pos,
			Meta: Meta{
				TypeID:  id,
				NumArgs: len(proto.Params),
			},
		})
	}

	return New(syms, opts.MaxPos), nil
}

// SkbPosition returns the index of the first struct sk_buff pointer
// parameter of proto, or -1.
func SkbPosition(proto *btf.FuncProto) int {
	for i, p := range proto.Params {
		ptr, ok := btf.UnderlyingType(p.Type).(*btf.Pointer)
		if !ok {
			continue
		}

		st, ok := btf.UnderlyingType(ptr.Target).(*btf.Struct)
		if !ok {
			continue
		}

		if st.Name == skbStructName {
			return i
		}
	}

	return -1
}
