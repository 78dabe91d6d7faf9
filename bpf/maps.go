package bpf

import (
	"fmt"
)

var configKey = uint32(0)

func (o *Object) writeConfig(cfg TraceConfig) error {
	m, ok := o.coll.Maps[ConfigMapName]
	if !ok {
		return fmt.Errorf("failed to find %s map", ConfigMapName)
	}

	if err := m.Put(&configKey, &cfg); err != nil {
		return fmt.Errorf("failed to write trace config: %w", err)
	}

	return nil
}

// PositionSymbols reports the symbols taking an sk_buff at a given position.
type PositionSymbols interface {
	SymbolsAt(pos int) []string
}

// ApplyFtraceInitTargets prepares an ftrace image for loading. Tracing
// programs can only be loaded against a target function, so each pair is
// pointed at the first symbol of its position and pairs without any symbol
// are dropped from the image.
func ApplyFtraceInitTargets(img *Image, db PositionSymbols) error {
	if img.Backend != Ftrace {
		return fmt.Errorf("%w: init targets only apply to ftrace, not %s", ErrUnsupportedBackend, img.Backend)
	}

	for pos := range img.Entries.Entry {
		names := []string{img.Entries.Entry[pos], img.Entries.Exit[pos]}

		syms := db.SymbolsAt(pos)
		if len(syms) == 0 {
			for _, name := range names {
				delete(img.Spec.Programs, name)
			}

			continue
		}

		for _, name := range names {
			prog, ok := img.Spec.Programs[name]
			if !ok {
				return fmt.Errorf("%w: %s", ErrNoEntryPoint, name)
			}

			prog.AttachTo = syms[0]
		}
	}

	return nil
}
