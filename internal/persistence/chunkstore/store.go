// Package chunkstore remembers which chunks have been explored. Four aligned siblings are
// merged into one chunk of twice the side, up to MaxChunkSize, so the map stays small.
package chunkstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"sophon.space/internal/sim/geom"
)

// Backend persists ops. Apply may be asynchronous; Close must flush.
type Backend interface {
	Load(ctx context.Context) ([]ExploredChunk, error)
	Apply(ops []Op)
	Close() error
}

type Config struct {
	// Backend nil keeps everything in memory.
	Backend Backend
	// MaxChunkSize <= 0 means MaxChunkSize.
	MaxChunkSize int64
	Logger       *zap.Logger
}

type Store struct {
	mu      sync.RWMutex
	chunks  map[string]ExploredChunk
	backend Backend
	maxSize int64
	log     *zap.Logger
}

func New(cfg Config) *Store {
	maxSize := cfg.MaxChunkSize
	if maxSize <= 0 {
		maxSize = MaxChunkSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		chunks:  map[string]ExploredChunk{},
		backend: cfg.Backend,
		maxSize: maxSize,
		log:     logger,
	}
}

// Open builds a store and replays everything the backend already holds.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	s := New(cfg)
	if s.backend == nil {
		return s, nil
	}
	chunks, err := s.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	for _, c := range chunks {
		s.Update(c, true)
	}
	s.log.Info("chunk store loaded", zap.Int("rows", len(chunks)), zap.Int("chunks", s.Len()))
	return s, nil
}

func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// HasMinedChunk reports whether fp, or an aligned chunk enclosing it, has been explored.
func (s *Store) HasMinedChunk(fp geom.ChunkFootprint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasMinedLocked(fp)
}

func (s *Store) hasMinedLocked(fp geom.ChunkFootprint) bool {
	if fp.SideLength <= 0 {
		return false
	}
	for side := fp.SideLength; side <= s.maxSize; side *= 2 {
		enclosing, _ := geom.ChunkContaining(fp.BottomLeft, side)
		if _, ok := s.chunks[enclosing.Key()]; ok {
			return true
		}
	}
	_, ok := s.chunks[fp.Key()]
	return ok
}

func (s *Store) Get(key string) (ExploredChunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[key]
	return c, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// All returns a snapshot ordered by side length, then x, then y.
func (s *Store) All() []ExploredChunk {
	s.mu.RLock()
	out := make([]ExploredChunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b ExploredChunk) int {
		fa, fb := a.ChunkFootprint, b.ChunkFootprint
		switch {
		case fa.SideLength != fb.SideLength:
			return compareInt64(fa.SideLength, fb.SideLength)
		case fa.BottomLeft.X != fb.BottomLeft.X:
			return compareInt64(fa.BottomLeft.X, fb.BottomLeft.X)
		default:
			return compareInt64(fa.BottomLeft.Y, fb.BottomLeft.Y)
		}
	})
	return out
}

// Update records an explored chunk. Chunks already covered are ignored. Stored sub-chunks of
// e are dropped, and e is merged with its siblings while all four quadrants are present.
// Rows replayed from the backend (loadedFromStorage) are not written back.
func (s *Store) Update(e ExploredChunk, loadedFromStorage bool) bool {
	if err := e.ChunkFootprint.Validate(); err != nil {
		s.log.Warn("ignoring invalid chunk", zap.Error(err))
		return false
	}

	s.mu.Lock()
	if s.hasMinedLocked(e.ChunkFootprint) {
		s.mu.Unlock()
		return false
	}

	var ops []Op
	for _, sub := range s.minedSubChunksLocked(e.ChunkFootprint) {
		ops = append(ops, Op{Kind: OpDelete, Key: sub.Key()})
	}

	merged := ExploredChunk{
		ChunkFootprint:  e.ChunkFootprint,
		PlanetLocations: slices.Clone(e.PlanetLocations),
		Perlin:          e.Perlin,
	}
	for side := merged.ChunkFootprint.SideLength; side < s.maxSize; {
		siblings := siblingLocations(merged.ChunkFootprint)
		complete := true
		for _, sib := range siblings {
			if _, ok := s.chunks[sib.Key()]; !ok {
				complete = false
				break
			}
		}
		if !complete {
			break
		}
		side *= 2
		for _, sib := range siblings {
			ops = append(ops, Op{Kind: OpDelete, Key: sib.Key()})
			merged.PlanetLocations = append(merged.PlanetLocations, s.chunks[sib.Key()].PlanetLocations...)
		}
		parent, _ := geom.ChunkContaining(merged.ChunkFootprint.BottomLeft, side)
		merged.ChunkFootprint = parent
	}
	if merged.PlanetLocations == nil {
		merged.PlanetLocations = []Planet{}
	}
	ops = append(ops, Op{Kind: OpPut, Key: merged.Key(), Chunk: merged})

	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			s.chunks[op.Key] = op.Chunk
		case OpDelete:
			delete(s.chunks, op.Key)
		}
	}
	s.mu.Unlock()

	if !loadedFromStorage && s.backend != nil {
		s.backend.Apply(ops)
	}
	if merged.ChunkFootprint.SideLength != e.ChunkFootprint.SideLength {
		s.log.Debug("merged chunk",
			zap.String("from", e.Key()),
			zap.String("into", merged.Key()),
		)
	}
	return true
}

// minedSubChunksLocked lists stored chunks strictly smaller than fp and inside it.
func (s *Store) minedSubChunksLocked(fp geom.ChunkFootprint) []geom.ChunkFootprint {
	var out []geom.ChunkFootprint
	for side := int64(MinChunkSize); side < fp.SideLength; side *= 2 {
		for dx := int64(0); dx < fp.SideLength; dx += side {
			for dy := int64(0); dy < fp.SideLength; dy += side {
				q := geom.ChunkFootprint{
					BottomLeft: geom.Coords{X: fp.BottomLeft.X + dx, Y: fp.BottomLeft.Y + dy},
					SideLength: side,
				}
				if _, ok := s.chunks[q.Key()]; ok {
					out = append(out, q)
				}
			}
		}
	}
	return out
}

// siblingLocations returns the other three quadrants of fp's aligned parent.
func siblingLocations(fp geom.ChunkFootprint) []geom.ChunkFootprint {
	parent, _ := geom.ChunkContaining(fp.BottomLeft, fp.SideLength*2)
	out := make([]geom.ChunkFootprint, 0, 3)
	for _, d := range [4][2]int64{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
		q := geom.ChunkFootprint{
			BottomLeft: geom.Coords{
				X: parent.BottomLeft.X + d[0]*fp.SideLength,
				Y: parent.BottomLeft.Y + d[1]*fp.SideLength,
			},
			SideLength: fp.SideLength,
		}
		if q != fp {
			out = append(out, q)
		}
	}
	return out
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
