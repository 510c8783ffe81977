// Package perlin computes the space-type noise used to skip nebula regions while exploring.
// Arithmetic is exact (math/big.Rat) so every host agrees on the same value.
package perlin

import (
	"math"
	"math/big"

	"sophon.space/internal/sim/geom"
	"sophon.space/internal/sim/oracle"
)

const (
	MaxValue       = 32
	gradientRounds = 4
	firstOctave    = 12
	octaves        = 3
)

var gradientHash = oracle.NewMiMC(gradientRounds)

type vec struct{ x, y *big.Rat }

var gradients = func() [16]vec {
	raw := [16][2]int64{
		{1000, 0}, {923, 382}, {707, 707}, {382, 923},
		{0, 1000}, {-383, 923}, {-708, 707}, {-924, 382},
		{-1000, 0}, {-924, -383}, {-708, -708}, {-383, -924},
		{-1, -1000}, {382, -924}, {707, -708}, {923, -383},
	}
	var out [16]vec
	for i, r := range raw {
		out[i] = vec{big.NewRat(r[0], 1000), big.NewRat(r[1], 1000)}
	}
	return out
}()

var sixteen = big.NewInt(16)

// Value returns noise in [0, MaxValue] truncated to two decimals. With floor set, the
// octave average is floored before re-centering, matching client-side rendering.
func Value(p geom.Coords, floor bool) float64 {
	sum := new(big.Rat)
	for i := 0; i < octaves; i++ {
		scale := int64(1) << (firstOctave + i)
		sum.Add(sum, valueAt(p, scale))
	}
	sum.Quo(sum, big.NewRat(octaves, 1))
	sum.Mul(sum, big.NewRat(MaxValue/2, 1))
	if floor {
		sum.SetInt(ratFloor(sum))
	}
	sum.Add(sum, big.NewRat(MaxValue/2, 1))
	f, _ := sum.Float64()
	return math.Floor(f*100) / 100
}

// AtChunkCenter evaluates the chunk's center without flooring.
func AtChunkCenter(fp geom.ChunkFootprint) float64 {
	return Value(fp.Center(), false)
}

func valueAt(p geom.Coords, scale int64) *big.Rat {
	blx := geom.FloorDiv(p.X, scale) * scale
	bly := geom.FloorDiv(p.Y, scale) * scale
	corners := [4]geom.Coords{
		{X: blx, Y: bly},
		{X: blx + scale, Y: bly},
		{X: blx, Y: bly + scale},
		{X: blx + scale, Y: bly + scale},
	}

	inv := big.NewRat(1, scale)
	one := big.NewRat(1, 1)
	out := new(big.Rat)
	for _, c := range corners {
		g := gradientAt(c, scale)
		dx := new(big.Rat).Mul(big.NewRat(p.X-c.X, 1), inv)
		dy := new(big.Rat).Mul(big.NewRat(p.Y-c.Y, 1), inv)

		wx := new(big.Rat).Sub(one, new(big.Rat).Abs(dx))
		wy := new(big.Rat).Sub(one, new(big.Rat).Abs(dy))
		w := wx.Mul(wx, wy)

		dot := new(big.Rat).Mul(dx, g.x)
		dot.Add(dot, new(big.Rat).Mul(dy, g.y))

		out.Add(out, w.Mul(w, dot))
	}
	return out
}

func gradientAt(c geom.Coords, scale int64) vec {
	h := gradientHash.Sponge(1, oracle.FieldElement(c.X), oracle.FieldElement(c.Y), oracle.FieldElement(scale))[0]
	idx := new(big.Int).Rem(h, sixteen).Int64()
	return gradients[idx]
}

// ratFloor relies on big.Int.Div being Euclidean; Rat denominators are always positive.
func ratFloor(r *big.Rat) *big.Int {
	return new(big.Int).Div(r.Num(), r.Denom())
}
