// Package pattern decides which chunk to explore next.
package pattern

import (
	"fmt"
	"sort"
	"strings"

	"sophon.space/internal/sim/geom"
)

// Pattern is a traversal strategy anchored at a home chunk.
// Next must be pure: the same input always yields the same chunk.
type Pattern interface {
	Home() geom.ChunkFootprint
	Next(current geom.ChunkFootprint) geom.ChunkFootprint
}

// Factory builds a pattern around center with square chunks of the given side.
type Factory func(center geom.Coords, chunkSideLength uint16) (Pattern, error)

var registry = map[string]Factory{
	NameSpiral: func(center geom.Coords, side uint16) (Pattern, error) {
		return NewSpiral(center, side)
	},
}

// ByName builds a registered pattern. Names are case-insensitive.
func ByName(name string, center geom.Coords, chunkSideLength uint16) (Pattern, error) {
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown explore pattern %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return f(center, chunkSideLength)
}

func Known(name string) bool {
	_, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
