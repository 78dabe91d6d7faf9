package attach

import (
	"context"
	"fmt"

	"github.com/tcassar-diss/skbtrace/bpf/symsdb"
)

func newStat(db SymbolDB) Stat {
	return Stat{Total: uint64(db.Total())}
}

// kprobeStrategy opens one kprobe per symbol.
type kprobeStrategy struct {
	engine
}

func (s *kprobeStrategy) Attach(ctx context.Context, db SymbolDB, f Filter) (Stat, error) {
	stat := newStat(db)

	err := db.Iterate(func(sym *symsdb.Symbol) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !matches(f, sym.Name) {
			stat.Filtered++
			return nil
		}

		return s.record(&stat, 1, sym.Name, s.kernel.AttachKprobe(sym.Pos, sym.Name))
	})

	return stat, err
}

// kprobeMultiStrategy opens one link per argument position covering every
// matching symbol at that position. The kernel accepts or rejects a batch as a
// whole, so a single unattachable symbol counts its entire batch as failed.
type kprobeMultiStrategy struct {
	engine
}

func (s *kprobeMultiStrategy) Attach(ctx context.Context, db SymbolDB, f Filter) (Stat, error) {
	stat := newStat(db)

	for pos := 0; pos < db.MaxPos(); pos++ {
		if err := ctx.Err(); err != nil {
			return stat, err
		}

		var batch []string

		for _, name := range db.SymbolsAt(pos) {
			if !matches(f, name) {
				stat.Filtered++
				continue
			}

			batch = append(batch, name)
		}

		if len(batch) == 0 {
			continue
		}

		what := fmt.Sprintf("position %d", pos)
		if err := s.record(&stat, uint64(len(batch)), what, s.kernel.AttachKprobeMulti(pos, batch)); err != nil {
			return stat, err
		}
	}

	return stat, nil
}

// ftraceStrategy loads a dedicated fentry/fexit pair for every symbol.
// Under Continue a failing symbol never affects the others; under Abort the
// first failure ends the pass.
type ftraceStrategy struct {
	engine
}

func (s *ftraceStrategy) Attach(ctx context.Context, db SymbolDB, f Filter) (Stat, error) {
	stat := newStat(db)

	for pos := 0; pos < db.MaxPos(); pos++ {
		for _, name := range db.SymbolsAt(pos) {
			if err := ctx.Err(); err != nil {
				return stat, err
			}

			if !matches(f, name) {
				stat.Filtered++
				continue
			}

			sym, ok := db.Lookup(name)
			if !ok {
				err := fmt.Errorf("no metadata for %s", name)
				if err := s.record(&stat, 1, name, err); err != nil {
					return stat, err
				}

				continue
			}

			if err := s.record(&stat, 1, name, s.kernel.AttachFtrace(pos, sym)); err != nil {
				return stat, err
			}
		}
	}

	return stat, nil
}
