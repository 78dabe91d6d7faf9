// Package attach maps a symbol filter onto live probe attachments using one
// of the backends defined in package bpf.
package attach

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tcassar-diss/skbtrace/bpf"
	"github.com/tcassar-diss/skbtrace/bpf/symsdb"
)

var ErrAttachFailed = errors.New("failed to attach")

// Stat summarises an attach pass. For every pass that completes,
// Filtered + Succeeded + Failed == Total.
type Stat struct {
	// Total is the number of symbols in the database, before filtering.
	Total     uint64
	Succeeded uint64
	Failed    uint64
	Filtered  uint64
}

// Attempted is the number of symbols that passed the filter.
func (s Stat) Attempted() uint64 {
	return s.Succeeded + s.Failed
}

// ProgressFunc is called after every attach attempt with the running totals.
type ProgressFunc func(Stat)

type FailurePolicy string

const (
	// Continue counts a failed symbol and moves on.
	Continue FailurePolicy = "continue"
	// Abort stops the pass at the first failed symbol.
	Abort FailurePolicy = "abort"
)

func (p *FailurePolicy) UnmarshalText(text []byte) error {
	switch FailurePolicy(text) {
	case Continue, Abort:
		*p = FailurePolicy(text)
		return nil
	case "":
		*p = Continue
		return nil
	}

	return fmt.Errorf("invalid attach failure policy %q (expected continue or abort)", string(text))
}

type Options struct {
	Progress ProgressFunc
	Policy   FailurePolicy
	Logger   *zap.SugaredLogger
}

// SymbolDB is the view of the symbol database the engine walks.
type SymbolDB interface {
	Iterate(fn func(*symsdb.Symbol) error) error
	Total() int
	SymbolsAt(pos int) []string
	CountAt(pos int) int
	Lookup(name string) (*symsdb.Symbol, bool)
	MaxPos() int
}

// Filter selects symbols by name.
type Filter interface {
	Match(name string) bool
}

// Kernel provides the attach primitives. Errors wrapping bpf.ErrNoEntryPoint
// are fatal whatever the policy.
type Kernel interface {
	AttachKprobe(pos int, symbol string) error
	AttachKprobeMulti(pos int, symbols []string) error
	AttachFtrace(pos int, sym *symsdb.Symbol) error
}

// Strategy attaches every symbol of db that f matches.
type Strategy interface {
	Attach(ctx context.Context, db SymbolDB, f Filter) (Stat, error)
}

// New returns the strategy for backend b.
func New(b bpf.Backend, k Kernel, opts Options) (Strategy, error) {
	if opts.Policy == "" {
		opts.Policy = Continue
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	if opts.Progress == nil {
		opts.Progress = func(Stat) {}
	}

	base := engine{kernel: k, opts: opts}

	switch b {
	case bpf.Kprobe:
		return &kprobeStrategy{base}, nil
	case bpf.KprobeMulti:
		return &kprobeMultiStrategy{base}, nil
	case bpf.Ftrace:
		return &ftraceStrategy{base}, nil
	}

	return nil, fmt.Errorf("%w: %q", bpf.ErrUnsupportedBackend, string(b))
}

// AttachAll is New followed by Attach.
func AttachAll(ctx context.Context, b bpf.Backend, k Kernel, db SymbolDB, f Filter, opts Options) (Stat, error) {
	s, err := New(b, k, opts)
	if err != nil {
		return Stat{}, err
	}

	return s.Attach(ctx, db, f)
}

type engine struct {
	kernel Kernel
	opts   Options
}

// record accounts for n symbols that share the outcome err and decides
// whether the pass goes on.
func (e *engine) record(stat *Stat, n uint64, what string, err error) error {
	defer func() { e.opts.Progress(*stat) }()

	if err == nil {
		stat.Succeeded += n
		return nil
	}

	stat.Failed += n

	if errors.Is(err, bpf.ErrNoEntryPoint) {
		return err
	}

	e.opts.Logger.Warnw("attach failed", "target", what, "count", n, "err", err)

	if e.opts.Policy == Abort {
		return fmt.Errorf("%w: %s: %w", ErrAttachFailed, what, err)
	}

	return nil
}

func matches(f Filter, name string) bool {
	return f == nil || f.Match(name)
}
