package pattern

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sophon.space/internal/sim/geom"
)

func fp(x, y, side int64) geom.ChunkFootprint {
	return geom.ChunkFootprint{BottomLeft: geom.Coords{X: x, Y: y}, SideLength: side}
}

func TestSpiral_FirstRing(t *testing.T) {
	for _, l := range []int64{16, 32} {
		sp, err := NewSpiral(geom.Coords{}, uint16(l))
		require.NoError(t, err)

		got := make([]geom.ChunkFootprint, 0, 5)
		cur := sp.Home()
		for i := 0; i < 5; i++ {
			cur = sp.Next(cur)
			got = append(got, cur)
		}
		want := []geom.ChunkFootprint{
			fp(0, l, l),
			fp(l, l, l),
			fp(l, 0, l),
			fp(l, -l, l),
			fp(0, -l, l),
		}
		require.Equal(t, want, got, "side=%d", l)
	}
}

func TestSpiral_HomeStepsNorth(t *testing.T) {
	centers := []geom.Coords{{}, {X: 100, Y: -3}, {X: -1, Y: -1}, {X: 4096, Y: 4096}}
	for _, l := range []uint16{1, 16, 255, 256} {
		for _, c := range centers {
			sp, err := NewSpiral(c, l)
			require.NoError(t, err)
			home := sp.Home()
			next := sp.Next(home)
			require.Equal(t, home.BottomLeft.X, next.BottomLeft.X)
			require.Equal(t, home.BottomLeft.Y+int64(l), next.BottomLeft.Y)
			require.Equal(t, int64(l), next.SideLength)
		}
	}
}

func TestSpiral_HomeSnapsWithFloor(t *testing.T) {
	sp, err := NewSpiral(geom.Coords{X: -1, Y: 17}, 16)
	require.NoError(t, err)
	require.Equal(t, fp(-16, 16, 16), sp.Home())
	require.Equal(t, fp(-16, 32, 16), sp.Next(sp.Home()))
}

func TestSpiral_RejectsZeroSide(t *testing.T) {
	_, err := NewSpiral(geom.Coords{}, 0)
	require.ErrorIs(t, err, geom.ErrInvalidSideLength)

	_, err = NewSpiralSequence(geom.Coords{}, 0)
	require.ErrorIs(t, err, geom.ErrInvalidSideLength)
}

func TestSpiral_Deterministic(t *testing.T) {
	a, err := NewSpiral(geom.Coords{X: 300, Y: -900}, 64)
	require.NoError(t, err)
	b, err := NewSpiral(geom.Coords{X: 300, Y: -900}, 64)
	require.NoError(t, err)

	cur := a.Home()
	for i := 0; i < 500; i++ {
		na, nb := a.Next(cur), b.Next(cur)
		require.Equal(t, na, nb, "step %d", i)
		require.Equal(t, na, a.Next(cur), "Next must not depend on call history")
		cur = na
	}
}

func TestSpiral_ResultUsesSpiralSideLength(t *testing.T) {
	sp, err := NewSpiral(geom.Coords{}, 16)
	require.NoError(t, err)
	next := sp.Next(fp(16, 16, 8))
	require.Equal(t, int64(16), next.SideLength)
}

func TestByName(t *testing.T) {
	p, err := ByName(" Spiral ", geom.Coords{}, 16)
	require.NoError(t, err)
	require.Equal(t, fp(0, 0, 16), p.Home())
	require.True(t, Known("spiral"))

	_, err = ByName("zigzag", geom.Coords{}, 16)
	require.Error(t, err)
	require.Equal(t, []string{"spiral"}, Names())
}
