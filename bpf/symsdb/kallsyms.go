package symsdb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
)

// DefaultKallsymsPath is where the running kernel exposes its symbol table.
const DefaultKallsymsPath = "/proc/kallsyms"

var ErrKallsymsEmpty = errors.New("no text symbols found in kallsyms")

// KallsymsRegex matches a text symbol line in /proc/kallsyms:
//   - address in match group 1
//   - symbol type (t or T) in match group 2
//   - symbol name in match group 3
//   - optional [module] in match group 4
var KallsymsRegex = regexp.MustCompile(
	`^([0-9a-f]+)\s+([tT])\s+(\S+)(?:\s+\[(\S+)\])?$`,
)

// Kallsyms maps a symbol name to its address.
type Kallsyms map[string]uint64

// ReadKallsyms parses the kallsyms file at path.
func ReadKallsyms(path string) (Kallsyms, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return ParseKallsyms(f)
}

// ParseKallsyms reads text symbols from r. Data symbols are skipped. When a
// name appears more than once the lowest address is kept.
func ParseKallsyms(r io.Reader) (Kallsyms, error) {
	syms := make(Kallsyms)

	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		m := KallsymsRegex.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}

		addr, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to convert address %q to integer: %w", m[1], err)
		}

		if prev, ok := syms[m[3]]; ok && prev <= addr {
			continue
		}

		syms[m[3]] = addr
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read kallsyms: %w", err)
	}

	if len(syms) == 0 {
		return nil, ErrKallsymsEmpty
	}

	return syms, nil
}
