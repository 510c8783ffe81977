package pattern

import (
	"iter"

	"sophon.space/internal/sim/geom"
)

// Sequence is an endless pull-based walk of a Pattern starting after its home chunk.
// Not safe for concurrent use; build a new Sequence to restart.
type Sequence struct {
	pattern Pattern
	current geom.ChunkFootprint
}

func NewSequence(p Pattern) *Sequence {
	return &Sequence{pattern: p, current: p.Home()}
}

// NewSpiralSequence is the common case: a spiral around center.
func NewSpiralSequence(center geom.Coords, chunkSideLength uint16) (*Sequence, error) {
	sp, err := NewSpiral(center, chunkSideLength)
	if err != nil {
		return nil, err
	}
	return NewSequence(sp), nil
}

func (s *Sequence) Next() geom.ChunkFootprint {
	s.current = s.pattern.Next(s.current)
	return s.current
}

// Current is the chunk most recently returned by Next (home before the first pull).
func (s *Sequence) Current() geom.ChunkFootprint { return s.current }

func (s *Sequence) Take(n int) []geom.ChunkFootprint {
	if n <= 0 {
		return nil
	}
	out := make([]geom.ChunkFootprint, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.Next())
	}
	return out
}

// All yields chunks until the consumer stops ranging.
func (s *Sequence) All() iter.Seq[geom.ChunkFootprint] {
	return func(yield func(geom.ChunkFootprint) bool) {
		for {
			if !yield(s.Next()) {
				return
			}
		}
	}
}
