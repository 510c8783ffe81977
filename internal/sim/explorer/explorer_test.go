package explorer

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"sophon.space/internal/sim/geom"
	"sophon.space/internal/sim/oracle"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingOracle hashes to x*1000+y (shifted non-negative) and records every call.
type recordingOracle struct {
	mu    sync.Mutex
	calls map[geom.Coords]int
	// threshold(r) = r * thresholdStep
	thresholdStep int64
}

func newRecordingOracle(step int64) *recordingOracle {
	return &recordingOracle{calls: map[geom.Coords]int{}, thresholdStep: step}
}

func (o *recordingOracle) Hash(x, y int64) *big.Int {
	o.mu.Lock()
	o.calls[geom.Coords{X: x, Y: y}]++
	o.mu.Unlock()
	return big.NewInt((x+500)*1000 + (y + 500))
}

func (o *recordingOracle) Threshold(r uint32) (*big.Int, error) {
	if r == 0 {
		return nil, oracle.ErrInvalidRarity
	}
	return big.NewInt(int64(r) * o.thresholdStep), nil
}

func coordSet(ds []Discovery) []geom.Coords {
	out := make([]geom.Coords, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Coords)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Y < out[j].Y
	})
	return out
}

func TestExplore_EvaluatesEveryPointOnce(t *testing.T) {
	for _, rarity := range []uint32{1, 500, 1 << 20} {
		o := newRecordingOracle(1)
		ex := New(Config{Oracle: o, Workers: 3, Logger: zaptest.NewLogger(t)})
		fp := geom.ChunkFootprint{BottomLeft: geom.Coords{}, SideLength: 2}

		resp, err := ex.Explore(context.Background(), Request{ChunkFootprint: fp, PlanetRarity: rarity})
		require.NoError(t, err)
		require.Equal(t, fp, resp.ChunkFootprint)
		require.Equal(t, map[geom.Coords]int{
			{X: 0, Y: 0}: 1, {X: 0, Y: 1}: 1, {X: 1, Y: 0}: 1, {X: 1, Y: 1}: 1,
		}, o.calls, "rarity=%d", rarity)
	}
}

func TestExplore_StrictThreshold(t *testing.T) {
	o := newRecordingOracle(1)
	ex := New(Config{Oracle: o, Workers: 2})
	fp := geom.ChunkFootprint{BottomLeft: geom.Coords{X: -500, Y: -500}, SideLength: 4}
	// Hash(-500,-500+k) = k, so threshold 2 admits k in {0,1} only.
	resp, err := ex.Explore(context.Background(), Request{ChunkFootprint: fp, PlanetRarity: 2})
	require.NoError(t, err)
	require.Equal(t, []Discovery{
		{Coords: geom.Coords{X: -500, Y: -500}, Hash: "0"},
		{Coords: geom.Coords{X: -500, Y: -499}, Hash: "1"},
	}, resp.PlanetLocations)
}

func TestExplore_MonotonicInThreshold(t *testing.T) {
	fp := geom.ChunkFootprint{BottomLeft: geom.Coords{X: -3, Y: 7}, SideLength: 8}
	ex := New(Config{Oracle: newRecordingOracle(1000), Workers: 4})

	var prev map[geom.Coords]bool
	for r := uint32(495); r <= 505; r++ {
		resp, err := ex.Explore(context.Background(), Request{ChunkFootprint: fp, PlanetRarity: r})
		require.NoError(t, err)
		cur := map[geom.Coords]bool{}
		for _, d := range resp.PlanetLocations {
			cur[d.Coords] = true
		}
		for c := range prev {
			require.True(t, cur[c], "rarity %d dropped %v", r, c)
		}
		prev = cur
	}
}

func TestExplore_MatchesBruteForceWithMiMC(t *testing.T) {
	mimc := oracle.NewMiMC(16)
	ex := New(Config{Oracle: mimc, Workers: 4})
	fp := geom.ChunkFootprint{BottomLeft: geom.Coords{X: -3, Y: -2}, SideLength: 6}
	const rarity = 4

	threshold, err := mimc.Threshold(rarity)
	require.NoError(t, err)
	var want []Discovery
	for x := fp.BottomLeft.X; x < fp.BottomLeft.X+fp.SideLength; x++ {
		for y := fp.BottomLeft.Y; y < fp.BottomLeft.Y+fp.SideLength; y++ {
			if v := mimc.Hash(x, y); v.Cmp(threshold) < 0 {
				want = append(want, Discovery{Coords: geom.Coords{X: x, Y: y}, Hash: v.String()})
			}
		}
	}

	got, err := ex.Explore(context.Background(), Request{ChunkFootprint: fp, PlanetRarity: rarity})
	require.NoError(t, err)
	if diff := cmp.Diff(want, got.PlanetLocations, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("discoveries mismatch (-want +got):\n%s", diff)
	}

	again, err := ex.Explore(context.Background(), Request{ChunkFootprint: fp, PlanetRarity: rarity})
	require.NoError(t, err)
	require.Equal(t, coordSet(got.PlanetLocations), coordSet(again.PlanetLocations))
}

func TestExplore_WorkerCountDoesNotChangeResult(t *testing.T) {
	fp := geom.ChunkFootprint{BottomLeft: geom.Coords{X: 10, Y: 10}, SideLength: 16}
	req := Request{ChunkFootprint: fp, PlanetRarity: 1_000_000}
	base, err := New(Config{Oracle: newRecordingOracle(1), Workers: 1}).Explore(context.Background(), req)
	require.NoError(t, err)
	for _, w := range []int{2, 5, 64} {
		got, err := New(Config{Oracle: newRecordingOracle(1), Workers: w}).Explore(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, base.PlanetLocations, got.PlanetLocations, "workers=%d", w)
	}
}

func TestExplore_RejectsBadInputBeforeHashing(t *testing.T) {
	o := newRecordingOracle(1)
	ex := New(Config{Oracle: o})

	_, err := ex.Explore(context.Background(), Request{ChunkFootprint: geom.ChunkFootprint{SideLength: 0}, PlanetRarity: 1})
	require.ErrorIs(t, err, geom.ErrInvalidSideLength)

	_, err = ex.Explore(context.Background(), Request{ChunkFootprint: geom.ChunkFootprint{SideLength: 4}, PlanetRarity: 0})
	require.ErrorIs(t, err, oracle.ErrInvalidRarity)
	require.Empty(t, o.calls)
}

func TestExplore_CoordinateRangeEdge(t *testing.T) {
	var mu sync.Mutex
	seen := map[geom.Coords]bool{}
	o := oracle.Funcs{
		HashFunc: func(x, y int64) *big.Int {
			mu.Lock()
			seen[geom.Coords{X: x, Y: y}] = true
			mu.Unlock()
			return big.NewInt(0)
		},
		ThresholdFunc: func(uint32) (*big.Int, error) { return big.NewInt(1), nil },
	}
	ex := New(Config{Oracle: o, Workers: 3})

	edge := geom.ChunkFootprint{BottomLeft: geom.Coords{X: math.MaxInt64 - 3, Y: math.MaxInt64 - 3}, SideLength: 4}
	resp, err := ex.Explore(context.Background(), Request{ChunkFootprint: edge, PlanetRarity: 1})
	require.NoError(t, err)
	require.Len(t, resp.PlanetLocations, 16)
	require.True(t, seen[geom.Coords{X: math.MaxInt64, Y: math.MaxInt64}])

	seen = map[geom.Coords]bool{}
	past := geom.ChunkFootprint{BottomLeft: geom.Coords{X: math.MaxInt64 - 1}, SideLength: 4}
	_, err = ex.Explore(context.Background(), Request{ChunkFootprint: past, PlanetRarity: 1})
	require.ErrorIs(t, err, geom.ErrOutOfRange)
	require.Empty(t, seen)
}

func TestExplore_OraclePanicIsReported(t *testing.T) {
	o := oracle.Funcs{
		HashFunc: func(x, y int64) *big.Int {
			if x == 2 && y == 3 {
				panic("field overflow")
			}
			return big.NewInt(0)
		},
		ThresholdFunc: func(uint32) (*big.Int, error) { return big.NewInt(1), nil },
	}
	ex := New(Config{Oracle: o, Workers: 4})
	resp, err := ex.Explore(context.Background(), Request{
		ChunkFootprint: geom.ChunkFootprint{SideLength: 8},
		PlanetRarity:   1,
	})
	require.True(t, errors.Is(err, ErrOracleFailed), "err=%v", err)
	require.Empty(t, resp.PlanetLocations)
}

func TestExplore_NilValueIsReported(t *testing.T) {
	o := oracle.Funcs{
		HashFunc:      func(x, y int64) *big.Int { return nil },
		ThresholdFunc: func(uint32) (*big.Int, error) { return big.NewInt(1), nil },
	}
	_, err := New(Config{Oracle: o}).Explore(context.Background(), Request{
		ChunkFootprint: geom.ChunkFootprint{SideLength: 2},
		PlanetRarity:   1,
	})
	require.ErrorIs(t, err, ErrOracleFailed)
}

func TestExplore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{Oracle: newRecordingOracle(1)}).Explore(ctx, Request{
		ChunkFootprint: geom.ChunkFootprint{SideLength: 64},
		PlanetRarity:   1,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExploreAsync_EquivalentToSync(t *testing.T) {
	ex := New(Config{Oracle: newRecordingOracle(1), Workers: 3})
	req := Request{
		ChunkFootprint: geom.ChunkFootprint{BottomLeft: geom.Coords{X: -500, Y: -500}, SideLength: 12},
		PlanetRarity:   5000,
	}
	direct, err := ex.Explore(context.Background(), req)
	require.NoError(t, err)

	res := <-ex.ExploreAsync(context.Background(), req)
	require.NoError(t, res.Err)
	require.Equal(t, direct, res.Response)

	bad := <-ex.ExploreAsync(context.Background(), Request{ChunkFootprint: req.ChunkFootprint})
	require.ErrorIs(t, bad.Err, oracle.ErrInvalidRarity)
}
