// Package explorer finds the planets inside one chunk by evaluating the oracle at every point.
package explorer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/big"
	"runtime"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sophon.space/internal/sim/geom"
	"sophon.space/internal/sim/oracle"
)

var ErrOracleFailed = errors.New("oracle failed")

// Discovery is a point whose oracle value fell below the rarity threshold.
// Hash is the decimal rendering of that value.
type Discovery struct {
	Coords geom.Coords `json:"coords"`
	Hash   string      `json:"hash"`
}

type Request struct {
	ChunkFootprint geom.ChunkFootprint `json:"chunkFootprint"`
	PlanetRarity   uint32              `json:"planetRarity"`
}

type Response struct {
	ChunkFootprint  geom.ChunkFootprint `json:"chunkFootprint"`
	PlanetLocations []Discovery         `json:"planetLocations"`
}

type Result struct {
	Response Response
	Err      error
}

type Config struct {
	Oracle oracle.Oracle
	// Workers <= 0 means GOMAXPROCS.
	Workers int
	Logger  *zap.Logger
}

// Explorer is stateless between calls and safe for concurrent use.
type Explorer struct {
	oracle  oracle.Oracle
	workers int
	log     *zap.Logger
}

func New(cfg Config) *Explorer {
	o := cfg.Oracle
	if o == nil {
		o = oracle.NewPlanetOracle()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Explorer{oracle: o, workers: workers, log: logger}
}

func (e *Explorer) Workers() int { return e.workers }

// Explore returns every point of the chunk whose oracle value is strictly below the
// rarity threshold. It returns either the whole set or an error, never a subset.
func (e *Explorer) Explore(ctx context.Context, req Request) (Response, error) {
	fp := req.ChunkFootprint
	if err := fp.Validate(); err != nil {
		return Response{}, err
	}
	threshold, err := e.oracle.Threshold(req.PlanetRarity)
	if err != nil {
		return Response{}, fmt.Errorf("rarity %d: %w", req.PlanetRarity, err)
	}

	start := time.Now()
	workers := e.workers
	if int64(workers) > fp.SideLength {
		workers = int(fp.SideLength)
	}

	// Columns are handed out one at a time; each worker keeps its own result slice.
	cols := make(chan int64, workers)
	local := make([][]Discovery, workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(cols)
		// Offsets, not end bounds: the last column may be MaxInt64.
		for i := int64(0); i < fp.SideLength; i++ {
			select {
			case cols <- fp.BottomLeft.X + i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			found, err := e.scanColumns(gctx, cols, fp, threshold)
			local[w] = found
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Response{}, err
	}

	total := 0
	for _, l := range local {
		total += len(l)
	}
	planets := make([]Discovery, 0, total)
	for _, l := range local {
		planets = append(planets, l...)
	}
	slices.SortFunc(planets, func(a, b Discovery) int {
		if c := cmp.Compare(a.Coords.X, b.Coords.X); c != 0 {
			return c
		}
		return cmp.Compare(a.Coords.Y, b.Coords.Y)
	})

	e.log.Debug("explored chunk",
		zap.String("chunk", fp.Key()),
		zap.Int("planets", len(planets)),
		zap.Int("workers", workers),
		zap.Duration("took", time.Since(start)),
	)
	return Response{ChunkFootprint: fp, PlanetLocations: planets}, nil
}

// ExploreAsync runs Explore in its own goroutine; the channel receives exactly one Result.
func (e *Explorer) ExploreAsync(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		resp, err := e.Explore(ctx, req)
		out <- Result{Response: resp, Err: err}
	}()
	return out
}

func (e *Explorer) scanColumns(ctx context.Context, cols <-chan int64, fp geom.ChunkFootprint, threshold *big.Int) (found []Discovery, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrOracleFailed, r)
		}
	}()
	for x := range cols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := int64(0); i < fp.SideLength; i++ {
			y := fp.BottomLeft.Y + i
			v := e.oracle.Hash(x, y)
			if v == nil {
				return nil, fmt.Errorf("%w: nil value at (%d,%d)", ErrOracleFailed, x, y)
			}
			if v.Cmp(threshold) < 0 {
				found = append(found, Discovery{Coords: geom.Coords{X: x, Y: y}, Hash: v.String()})
			}
		}
	}
	return found, nil
}
