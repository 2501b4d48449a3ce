package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// KeyFilter filters notification keys using glob patterns
type KeyFilter struct {
	includeGlobs []glob.Glob
	excludeGlobs []glob.Glob
}

// NewKeyFilter creates a new glob-based filter.
// Empty include patterns match every key; excludes always win.
func NewKeyFilter(include, exclude []string) (*KeyFilter, error) {
	filter := &KeyFilter{
		includeGlobs: make([]glob.Glob, 0, len(include)),
		excludeGlobs: make([]glob.Glob, 0, len(exclude)),
	}

	for _, pattern := range include {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
		filter.includeGlobs = append(filter.includeGlobs, g)
	}

	for _, pattern := range exclude {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		filter.excludeGlobs = append(filter.excludeGlobs, g)
	}

	return filter, nil
}

// Match returns true if the key should be forwarded
func (f *KeyFilter) Match(key string) bool {
	for _, g := range f.excludeGlobs {
		if g.Match(key) {
			return false
		}
	}

	if len(f.includeGlobs) == 0 {
		return true
	}
	for _, g := range f.includeGlobs {
		if g.Match(key) {
			return true
		}
	}
	return false
}
