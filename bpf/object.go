package bpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tcassar-diss/skbtrace/bpf/symsdb"
)

// Object is a loaded image together with every link opened on it.
type Object struct {
	logger  *zap.SugaredLogger
	backend Backend
	spec    *ebpf.CollectionSpec
	coll    *ebpf.Collection

	// entry and exit points by argument position, nil where the position
	// has no program.
	entries []*ebpf.Program
	exits   []*ebpf.Program
	eps     EntryPoints

	// programs loaded per symbol by the ftrace backend.
	owned []*ebpf.Program
	links []link.Link
}

// Load loads img into the kernel and writes cfg to the config map.
func Load(logger *zap.SugaredLogger, img *Image, cfg TraceConfig) (*Object, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock limit: %w", err)
	}

	coll, err := ebpf.NewCollection(img.Spec)
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			logger.Debugw("verifier rejected image", "log", fmt.Sprintf("%+v", ve))
		}

		return nil, fmt.Errorf("failed to load image: %w", err)
	}

	o := &Object{
		logger:  logger,
		backend: img.Backend,
		spec:    img.Spec,
		coll:    coll,
		entries: programTable(coll, img.Entries.Entry),
		exits:   programTable(coll, img.Entries.Exit),
		eps:     img.Entries,
	}

	if err := o.writeConfig(cfg); err != nil {
		return nil, multierr.Append(err, o.Close())
	}

	logger.Infow("loaded image",
		"backend", img.Backend,
		"programs", len(coll.Programs),
		"maps", len(coll.Maps),
	)

	return o, nil
}

func programTable(coll *ebpf.Collection, names []string) []*ebpf.Program {
	table := make([]*ebpf.Program, len(names))
	for pos, name := range names {
		table[pos] = coll.Programs[name]
	}

	return table
}

func lookupProgram(table []*ebpf.Program, pos int) (*ebpf.Program, error) {
	if pos < 0 || pos >= len(table) || table[pos] == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoEntryPoint, pos)
	}

	return table[pos], nil
}

func (o *Object) Backend() Backend {
	return o.backend
}

// EventsMap is the perf event array events are written to.
func (o *Object) EventsMap() *ebpf.Map {
	return o.coll.Maps[EventsMapName]
}

// AttachKprobe attaches the entry point for pos to symbol.
func (o *Object) AttachKprobe(pos int, symbol string) error {
	prog, err := lookupProgram(o.entries, pos)
	if err != nil {
		return err
	}

	l, err := link.Kprobe(symbol, prog, nil)
	if err != nil {
		return fmt.Errorf("failed to attach kprobe to %s: %w", symbol, err)
	}

	o.links = append(o.links, l)

	return nil
}

// AttachKprobeMulti attaches the entry point for pos to all symbols with a
// single link. The kernel resolves the batch as a whole, so one bad symbol
// fails all of them.
func (o *Object) AttachKprobeMulti(pos int, symbols []string) error {
	prog, err := lookupProgram(o.entries, pos)
	if err != nil {
		return err
	}

	l, err := link.KprobeMulti(prog, link.KprobeMultiOptions{Symbols: symbols})
	if err != nil {
		return fmt.Errorf("failed to attach kprobe-multi to %d symbols: %w", len(symbols), err)
	}

	o.links = append(o.links, l)

	return nil
}

// AttachFtrace opens an fentry and an fexit link on sym. Either both links
// are kept or neither is.
func (o *Object) AttachFtrace(pos int, sym *symsdb.Symbol) (err error) {
	if pos < 0 || pos >= len(o.eps.Entry) || pos >= len(o.eps.Exit) {
		return fmt.Errorf("%w: %d", ErrNoEntryPoint, pos)
	}

	var (
		progs []*ebpf.Program
		links []link.Link
	)

	defer func() {
		if err == nil {
			return
		}

		for _, l := range links {
			err = multierr.Append(err, l.Close())
		}

		for _, p := range progs {
			err = multierr.Append(err, p.Close())
		}
	}()

	for _, point := range []struct {
		name   string
		loaded *ebpf.Program
	}{
		{o.eps.Entry[pos], tableAt(o.entries, pos)},
		{o.eps.Exit[pos], tableAt(o.exits, pos)},
	} {
		prog, owned, err := o.tracingProgram(point.name, point.loaded, sym.Name)
		if err != nil {
			return err
		}

		if owned {
			progs = append(progs, prog)
		}

		l, err := link.AttachTracing(link.TracingOptions{Program: prog})
		if err != nil {
			return fmt.Errorf("failed to attach %s to %s: %w", point.name, sym.Name, err)
		}

		links = append(links, l)
	}

	o.owned = append(o.owned, progs...)
	o.links = append(o.links, links...)

	return nil
}

func tableAt(table []*ebpf.Program, pos int) *ebpf.Program {
	if pos >= len(table) {
		return nil
	}

	return table[pos]
}

// tracingProgram returns a program for name targeting target. The program
// already in the collection is reused when it was loaded for target,
// otherwise a copy of its spec is loaded against the collection's maps.
func (o *Object) tracingProgram(name string, loaded *ebpf.Program, target string) (*ebpf.Program, bool, error) {
	spec, ok := o.spec.Programs[name]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNoEntryPoint, name)
	}

	if loaded != nil && spec.AttachTo == target {
		return loaded, false, nil
	}

	cpy := spec.Copy()
	cpy.AttachTo = target

	for i := range cpy.Instructions {
		ins := &cpy.Instructions[i]
		if !ins.IsLoadFromMap() {
			continue
		}

		m, ok := o.coll.Maps[ins.Reference()]
		if !ok {
			continue
		}

		if err := ins.AssociateMap(m); err != nil {
			return nil, false, fmt.Errorf("failed to associate map %s: %w", ins.Reference(), err)
		}
	}

	prog, err := ebpf.NewProgram(cpy)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load %s for %s: %w", name, target, err)
	}

	return prog, true, nil
}

// Links is the number of open links.
func (o *Object) Links() int {
	return len(o.links)
}

// Close detaches all links, then releases programs and maps.
func (o *Object) Close() error {
	var err error

	for _, l := range o.links {
		err = multierr.Append(err, l.Close())
	}

	o.links = nil

	for _, p := range o.owned {
		err = multierr.Append(err, p.Close())
	}

	o.owned = nil

	o.coll.Close()

	if err != nil {
		return fmt.Errorf("failed to close bpf object: %w", err)
	}

	return nil
}
