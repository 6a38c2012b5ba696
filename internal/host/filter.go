package host

import (
	"fmt"

	"github.com/gobwas/glob"
)

// ToolFilter decides which discovered tools are offered to the model.
// An empty enabled list allows everything; disabled patterns always win.
type ToolFilter struct {
	enabled  []glob.Glob
	disabled []glob.Glob
}

// NewToolFilter compiles glob patterns such as "fs_*" or "github.{get,list}_*".
func NewToolFilter(enabled, disabled []string) (*ToolFilter, error) {
	f := &ToolFilter{}
	for _, p := range enabled {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid tool pattern %q: %w", p, err)
		}
		f.enabled = append(f.enabled, g)
	}
	for _, p := range disabled {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid tool pattern %q: %w", p, err)
		}
		f.disabled = append(f.disabled, g)
	}
	return f, nil
}

// Allow reports whether the named tool passes the filter. A nil filter allows
// everything.
func (f *ToolFilter) Allow(name string) bool {
	if f == nil {
		return true
	}
	for _, g := range f.disabled {
		if g.Match(name) {
			return false
		}
	}
	if len(f.enabled) == 0 {
		return true
	}
	for _, g := range f.enabled {
		if g.Match(name) {
			return true
		}
	}
	return false
}
