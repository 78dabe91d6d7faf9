package frontend

import (
	"fmt"
	"regexp"
)

// RegexFilter selects kernel functions by name.
type RegexFilter struct {
	re *regexp.Regexp
}

// NewRegexFilter compiles expr. The empty expression matches every name.
func NewRegexFilter(expr string) (*RegexFilter, error) {
	if expr == "" {
		return &RegexFilter{}, nil
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex %q: %w", expr, err)
	}

	return &RegexFilter{re: re}, nil
}

func (f *RegexFilter) Match(name string) bool {
	return f.re == nil || f.re.MatchString(name)
}
