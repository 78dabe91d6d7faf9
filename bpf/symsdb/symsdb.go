// Package symsdb indexes the kernel functions which take a struct sk_buff
// pointer, along with the argument position that pointer arrives in.
//
// A DB is built once per run from kernel BTF and /proc/kallsyms (see Build),
// or directly from a slice of symbols (see New). It is immutable afterwards
// and safe for concurrent reads.
package symsdb

import (
	"errors"
	"sort"

	"github.com/cilium/ebpf/btf"
)

var (
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrBadPosition    = errors.New("argument position out of range")
)

// Meta is the backend specific attach metadata of a symbol.
type Meta struct {
	// TypeID is the BTF type ID of the function in vmlinux.
	TypeID btf.TypeID
	// NumArgs is the number of parameters the function takes.
	NumArgs int
}

// Symbol describes a single traceable kernel function.
type Symbol struct {
	Name string
	Addr uint64
	// Pos is the zero based position of the sk_buff pointer argument.
	Pos  int
	Meta Meta
}

// DB is the symbol database.
type DB struct {
	maxPos int
	byName map[string]*Symbol
	names  []string   // sorted
	byPos  [][]string // sorted per position
	byAddr []*Symbol  // sorted by address, zero addresses excluded
}

// New indexes syms. Symbols with a position outside [0, maxPos) are dropped,
// as are duplicate names (the first one wins).
func New(syms []*Symbol, maxPos int) *DB {
	db := &DB{
		maxPos: maxPos,
		byName: make(map[string]*Symbol, len(syms)),
		byPos:  make([][]string, maxPos),
	}

	for _, s := range syms {
		if s.Pos < 0 || s.Pos >= maxPos {
			continue
		}

		if _, ok := db.byName[s.Name]; ok {
			continue
		}

		db.byName[s.Name] = s
		db.names = append(db.names, s.Name)
		db.byPos[s.Pos] = append(db.byPos[s.Pos], s.Name)

		if s.Addr != 0 {
			db.byAddr = append(db.byAddr, s)
		}
	}

	sort.Strings(db.names)

	for _, names := range db.byPos {
		sort.Strings(names)
	}

	sort.Slice(db.byAddr, func(i, j int) bool {
		return db.byAddr[i].Addr < db.byAddr[j].Addr
	})

	return db
}

// MaxPos is the number of argument positions the DB was built for.
func (db *DB) MaxPos() int {
	return db.maxPos
}

// Total is the number of symbols in the DB.
func (db *DB) Total() int {
	return len(db.names)
}

// Iterate calls fn for every symbol in name order. Iteration stops at the
// first error, which is returned.
func (db *DB) Iterate(fn func(*Symbol) error) error {
	for _, name := range db.names {
		if err := fn(db.byName[name]); err != nil {
			return err
		}
	}

	return nil
}

// SymbolsAt returns the names of all symbols whose sk_buff lives at pos.
func (db *DB) SymbolsAt(pos int) []string {
	if pos < 0 || pos >= db.maxPos {
		return nil
	}

	return db.byPos[pos]
}

// CountAt returns len(SymbolsAt(pos)).
func (db *DB) CountAt(pos int) int {
	return len(db.SymbolsAt(pos))
}

// Lookup finds a symbol by name.
func (db *DB) Lookup(name string) (*Symbol, bool) {
	s, ok := db.byName[name]
	return s, ok
}

// Resolve maps an instruction address reported by a probe back to a symbol.
// An exact match wins; otherwise the closest symbol below addr is returned.
func (db *DB) Resolve(addr uint64) (*Symbol, bool) {
	i := sort.Search(len(db.byAddr), func(i int) bool {
		return db.byAddr[i].Addr > addr
	})

	if i == 0 {
		return nil, false
	}

	return db.byAddr[i-1], true
}
