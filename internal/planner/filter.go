package planner

import (
	"strings"

	"github.com/gobwas/glob"
)

// SlugFilter matches entity slugs against a set of case-insensitive
// filters. A plain filter matches as a substring; a filter containing
// glob metacharacters (* ? [) must match the whole slug.
type SlugFilter struct {
	substrings []string
	globs      []glob.Glob
}

// NewSlugFilter compiles filters. Blank filters are ignored; an empty
// filter set matches everything.
func NewSlugFilter(filters []string) (*SlugFilter, error) {
	f := &SlugFilter{}
	for _, raw := range filters {
		pattern := strings.ToLower(strings.TrimSpace(raw))
		if pattern == "" {
			continue
		}
		if strings.ContainsAny(pattern, "*?[") {
			g, err := glob.Compile(pattern)
			if err != nil {
				return nil, err
			}
			f.globs = append(f.globs, g)
			continue
		}
		f.substrings = append(f.substrings, pattern)
	}
	return f, nil
}

// Empty reports whether the filter accepts every slug.
func (f *SlugFilter) Empty() bool {
	return len(f.substrings) == 0 && len(f.globs) == 0
}

// Match reports whether slug passes any filter.
func (f *SlugFilter) Match(slug string) bool {
	if f.Empty() {
		return true
	}
	s := strings.ToLower(slug)
	for _, sub := range f.substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	for _, g := range f.globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
