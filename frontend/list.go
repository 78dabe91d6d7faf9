package frontend

import (
	"fmt"
	"io"

	"github.com/tcassar-diss/skbtrace/bpf/symsdb"
)

// PositionedSymbols is the part of the symbol database listing needs.
type PositionedSymbols interface {
	MaxPos() int
	SymbolsAt(pos int) []string
	Lookup(name string) (*symsdb.Symbol, bool)
}

// ListFunctions writes every function matching f, grouped by the position
// of its sk_buff argument. The header goes to hdr so that w stays
// machine readable.
func ListFunctions(w, hdr io.Writer, db PositionedSymbols, f *RegexFilter) (int, error) {
	fmt.Fprintf(hdr, "%64.64s\t%18s\t%s\n", "NAME", "ADDR", "SKB_POSITION")

	n := 0

	for pos := 0; pos < db.MaxPos(); pos++ {
		for _, name := range db.SymbolsAt(pos) {
			if !f.Match(name) {
				continue
			}

			var addr uint64
			if sym, ok := db.Lookup(name); ok {
				addr = sym.Addr
			}

			if _, err := fmt.Fprintf(w, "%64.64s\t0x%016x\t%d\n", name, addr, pos); err != nil {
				return n, fmt.Errorf("failed to write function list: %w", err)
			}

			n++
		}
	}

	return n, nil
}
