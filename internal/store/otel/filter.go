package otel

import (
	"fmt"
	"slices"

	"github.com/gobwas/glob"
)

// Filter controls which events are exported. Type patterns are globs such
// as "action_*".
type Filter struct {
	IncludeTypes      []string
	ExcludeTypes      []string
	IncludeCategories []string
	ExcludeCategories []string

	include []glob.Glob
	exclude []glob.Glob
}

func (f *Filter) compile() error {
	var err error
	if f.include, err = compilePatterns(f.IncludeTypes); err != nil {
		return err
	}
	f.exclude, err = compilePatterns(f.ExcludeTypes)
	return err
}

func compilePatterns(in []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(in))
	for _, p := range in {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("otel filter pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func (f *Filter) Match(eventType, category string) bool {
	if f == nil {
		return true
	}
	if len(f.include) > 0 && !anyMatch(f.include, eventType) {
		return false
	}
	if len(f.IncludeCategories) > 0 && !slices.Contains(f.IncludeCategories, category) {
		return false
	}
	if anyMatch(f.exclude, eventType) {
		return false
	}
	return !slices.Contains(f.ExcludeCategories, category)
}

func anyMatch(gs []glob.Glob, s string) bool {
	for _, g := range gs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
