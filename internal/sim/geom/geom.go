// Package geom holds the grid types shared by the spiral, the explorer and the chunk store.
package geom

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrInvalidSideLength = errors.New("chunk side length must be > 0")
	// ErrOutOfRange marks a footprint whose far edge lies past the largest int64 coordinate.
	ErrOutOfRange = errors.New("chunk footprint extends past the coordinate range")
)

// Coords is one lattice point of the infinite grid.
type Coords struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
}

func (c Coords) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// ChunkFootprint is the square [x, x+side) x [y, y+side).
type ChunkFootprint struct {
	BottomLeft Coords `json:"bottomLeft"`
	SideLength int64  `json:"sideLength"`
}

func NewChunkFootprint(bottomLeft Coords, sideLength int64) (ChunkFootprint, error) {
	fp := ChunkFootprint{BottomLeft: bottomLeft, SideLength: sideLength}
	if err := fp.Validate(); err != nil {
		return ChunkFootprint{}, err
	}
	return fp, nil
}

func (f ChunkFootprint) Validate() error {
	if f.SideLength <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidSideLength, f.SideLength)
	}
	last := f.SideLength - 1
	if f.BottomLeft.X > math.MaxInt64-last || f.BottomLeft.Y > math.MaxInt64-last {
		return fmt.Errorf("%w: %s", ErrOutOfRange, f.Key())
	}
	return nil
}

// ChunkContaining snaps c down to the grid of the given side (Euclidean floor on both axes).
func ChunkContaining(c Coords, sideLength int64) (ChunkFootprint, error) {
	if sideLength <= 0 {
		return ChunkFootprint{}, fmt.Errorf("%w: got %d", ErrInvalidSideLength, sideLength)
	}
	return ChunkFootprint{
		BottomLeft: Coords{
			X: FloorDiv(c.X, sideLength) * sideLength,
			Y: FloorDiv(c.Y, sideLength) * sideLength,
		},
		SideLength: sideLength,
	}, nil
}

// Points is the number of lattice points covered by the footprint.
func (f ChunkFootprint) Points() int64 {
	return f.SideLength * f.SideLength
}

// Contains compares offsets from the corner as uint64 so footprints touching MaxInt64 work.
func (f ChunkFootprint) Contains(c Coords) bool {
	return c.X >= f.BottomLeft.X && uint64(c.X-f.BottomLeft.X) < uint64(f.SideLength) &&
		c.Y >= f.BottomLeft.Y && uint64(c.Y-f.BottomLeft.Y) < uint64(f.SideLength)
}

// Center uses integer halving; chunk sides are powers of two in practice.
func (f ChunkFootprint) Center() Coords {
	return Coords{X: f.BottomLeft.X + f.SideLength/2, Y: f.BottomLeft.Y + f.SideLength/2}
}

// Aligned reports whether the bottom-left corner sits on the grid of its own side length.
func (f ChunkFootprint) Aligned() bool {
	return f.SideLength > 0 && Mod(f.BottomLeft.X, f.SideLength) == 0 && Mod(f.BottomLeft.Y, f.SideLength) == 0
}

// Key is the "x,y,side" identifier used by the chunk store and the wire feed.
func (f ChunkFootprint) Key() string {
	return strconv.FormatInt(f.BottomLeft.X, 10) + "," +
		strconv.FormatInt(f.BottomLeft.Y, 10) + "," +
		strconv.FormatInt(f.SideLength, 10)
}

func (f ChunkFootprint) String() string { return f.Key() }

func ParseKey(key string) (ChunkFootprint, error) {
	parts := strings.Split(key, ",")
	if len(parts) != 3 {
		return ChunkFootprint{}, fmt.Errorf("bad chunk key %q", key)
	}
	var vals [3]int64
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return ChunkFootprint{}, fmt.Errorf("bad chunk key %q: %w", key, err)
		}
		vals[i] = v
	}
	return NewChunkFootprint(Coords{X: vals[0], Y: vals[1]}, vals[2])
}

// ParseCoords accepts "x,y" with optional whitespace; missing parts default to 0.
func ParseCoords(s string) (Coords, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Coords{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) > 2 {
		return Coords{}, fmt.Errorf("bad coords %q", s)
	}
	var out [2]int64
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return Coords{}, fmt.Errorf("bad coords %q: %w", s, err)
		}
		out[i] = v
	}
	return Coords{X: out[0], Y: out[1]}, nil
}
