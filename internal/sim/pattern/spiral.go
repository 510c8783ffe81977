package pattern

import (
	"sophon.space/internal/sim/geom"
)

const NameSpiral = "spiral"

// Spiral walks square rings around its home chunk: north of home first, then east along the
// top edge, south along the right, west along the bottom and north along the left, widening
// by one chunk each time a ring closes.
type Spiral struct {
	chunkSideLength uint16
	home            geom.ChunkFootprint
}

func NewSpiral(center geom.Coords, chunkSideLength uint16) (*Spiral, error) {
	home, err := geom.ChunkContaining(center, int64(chunkSideLength))
	if err != nil {
		return nil, err
	}
	return &Spiral{chunkSideLength: chunkSideLength, home: home}, nil
}

func (s *Spiral) Home() geom.ChunkFootprint { return s.home }

func (s *Spiral) ChunkSideLength() uint16 { return s.chunkSideLength }

// Next returns the chunk after current. The result always has the spiral's side length.
func (s *Spiral) Next(current geom.ChunkFootprint) geom.ChunkFootprint {
	l := int64(s.chunkSideLength)
	hx, hy := s.home.BottomLeft.X, s.home.BottomLeft.Y
	cx, cy := current.BottomLeft.X, current.BottomLeft.Y
	next := geom.Coords{X: cx, Y: cy}

	if cx == hx && cy == hy {
		next.Y = hy + l
		return geom.ChunkFootprint{BottomLeft: next, SideLength: l}
	}

	// d1 splits along the main diagonal through home, d2 along the anti-diagonal.
	d1 := (cy - cx) - (hy - hx)
	d2 := (cx + cy) - (hx + hy)

	switch {
	case d1 > 0 && d2 >= 0:
		if d2 == 0 {
			// Top-left corner: the ring is closed, step out to start the next one.
			next.Y = cy + l
		} else {
			next.X = cx + l
		}
	case d2 > 0 && d1 <= 0:
		next.Y = cy - l
	case d2 <= 0 && d1 < 0:
		next.X = cx - l
	default:
		next.Y = cy + l
	}
	return geom.ChunkFootprint{BottomLeft: next, SideLength: l}
}
