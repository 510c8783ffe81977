// Package miner drives exploration: it walks a pattern, picks the next chunk worth exploring,
// runs the explorer on it, and records the result.
package miner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"sophon.space/internal/persistence/chunkstore"
	"sophon.space/internal/sim/explorer"
	"sophon.space/internal/sim/geom"
	"sophon.space/internal/sim/oracle"
	"sophon.space/internal/sim/pattern"
	"sophon.space/internal/sim/perlin"
)

// Steps walked before the target search checks for cancellation.
const searchBatch = 10000

// Perlin thresholds are relaxed by this much so chunks straddling the edge are kept.
const perlinSlack = 0.1

const subscriberBuffer = 64

type ChunkExplorer interface {
	Explore(ctx context.Context, req explorer.Request) (explorer.Response, error)
}

type Config struct {
	Store    *chunkstore.Store
	Explorer ChunkExplorer
	Pattern  pattern.Pattern

	WorldRadius     int64
	PlanetRarity    uint32
	PerlinThreshold float64
	// Perlin defaults to perlin.Value.
	Perlin func(p geom.Coords, floor bool) float64
	Logger *zap.Logger
}

// Discovered is published for every chunk the manager finishes.
type Discovered struct {
	Chunk      chunkstore.ExploredChunk
	MiningTime time.Duration
	JobID      uint64
}

type Manager struct {
	store    *chunkstore.Store
	explorer ChunkExplorer
	rarity   uint32
	perlin   func(geom.Coords, bool) float64
	log      *zap.Logger

	radius          atomic.Int64
	perlinThreshold float64
	explored        atomic.Uint64

	mu        sync.Mutex
	pattern   pattern.Pattern
	exploring bool
	jobID     uint64
	baseCtx   context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	current   *geom.ChunkFootprint

	subMu   sync.Mutex
	subs    map[uint64]chan Discovered
	nextSub uint64
}

func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("miner: nil store")
	}
	if cfg.Explorer == nil {
		return nil, errors.New("miner: nil explorer")
	}
	if cfg.Pattern == nil {
		return nil, errors.New("miner: nil pattern")
	}
	if cfg.WorldRadius <= 0 {
		return nil, fmt.Errorf("miner: world radius must be > 0, got %d", cfg.WorldRadius)
	}
	if _, err := oracle.RarityThreshold(cfg.PlanetRarity); err != nil {
		return nil, fmt.Errorf("miner: %w", err)
	}
	m := &Manager{
		store:           cfg.Store,
		explorer:        cfg.Explorer,
		rarity:          cfg.PlanetRarity,
		perlin:          cfg.Perlin,
		log:             cfg.Logger,
		perlinThreshold: math.Max(0, cfg.PerlinThreshold-perlinSlack),
		pattern:         cfg.Pattern,
		subs:            map[uint64]chan Discovered{},
	}
	if m.perlin == nil {
		m.perlin = perlin.Value
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	m.radius.Store(cfg.WorldRadius)
	return m, nil
}

// Start begins a new job from the pattern's home chunk. It is a no-op while exploring.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startLocked(ctx)
}

func (m *Manager) startLocked(ctx context.Context) {
	if m.exploring {
		return
	}
	m.exploring = true
	m.jobID++
	m.baseCtx = ctx
	jobCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.current = nil

	job, p, done := m.jobID, m.pattern, m.done
	m.log.Info("exploration started",
		zap.Uint64("job", job),
		zap.String("home", p.Home().Key()),
		zap.Int64("world_radius", m.radius.Load()),
	)
	go func() {
		defer close(done)
		m.run(jobCtx, job, p)
	}()
}

// Stop cancels the running job and waits for it to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.exploring {
		m.mu.Unlock()
		return
	}
	m.exploring = false
	m.current = nil
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.log.Info("exploration stopped", zap.String("explored", humanize.Comma(int64(m.explored.Load()))))
}

func (m *Manager) IsExploring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exploring
}

func (m *Manager) JobID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobID
}

// Explored counts chunks finished since the manager was created.
func (m *Manager) Explored() uint64 { return m.explored.Load() }

func (m *Manager) Radius() int64 { return m.radius.Load() }

// SetRadius takes effect on the next target search.
func (m *Manager) SetRadius(r int64) error {
	if r <= 0 {
		return fmt.Errorf("world radius must be > 0, got %d", r)
	}
	m.radius.Store(r)
	m.log.Info("world radius updated", zap.Int64("world_radius", r))
	return nil
}

func (m *Manager) Pattern() pattern.Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pattern
}

// SetPattern swaps the pattern, restarting the job when one is running.
func (m *Manager) SetPattern(p pattern.Pattern) {
	m.mu.Lock()
	m.pattern = p
	running, ctx := m.exploring, m.baseCtx
	m.mu.Unlock()
	if running {
		m.Stop()
		m.Start(ctx)
	}
}

// CurrentChunk is the chunk the running job is exploring, if any.
func (m *Manager) CurrentChunk() (geom.ChunkFootprint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exploring || m.current == nil {
		return geom.ChunkFootprint{}, false
	}
	return *m.current, true
}

// Subscribe returns a channel of finished chunks. Slow subscribers miss chunks rather than
// stalling the miner. cancel closes the channel.
func (m *Manager) Subscribe() (<-chan Discovered, func()) {
	ch := make(chan Discovered, subscriberBuffer)
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(d Discovered) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- d:
		default:
			m.log.Warn("subscriber lagging; dropped chunk", zap.Uint64("subscriber", id), zap.String("chunk", d.Chunk.Key()))
		}
	}
}

func (m *Manager) run(ctx context.Context, job uint64, p pattern.Pattern) {
	from := p.Home()
	for {
		target, err := m.nextValidTarget(ctx, p, from)
		if err != nil {
			return
		}
		if !m.setCurrent(job, target) {
			return
		}

		start := time.Now()
		resp, err := m.explorer.Explore(ctx, explorer.Request{ChunkFootprint: target, PlanetRarity: m.rarity})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Error("explore failed; stopping", zap.Uint64("job", job), zap.String("chunk", target.Key()), zap.Error(err))
			m.abandon(job)
			return
		}
		chunk, err := m.enrich(resp)
		if err != nil {
			m.log.Error("bad explorer output; stopping", zap.Uint64("job", job), zap.String("chunk", target.Key()), zap.Error(err))
			m.abandon(job)
			return
		}
		took := time.Since(start)

		m.store.Update(chunk, false)
		n := m.explored.Add(1)
		m.publish(Discovered{Chunk: chunk, MiningTime: took, JobID: job})
		m.log.Debug("explored chunk",
			zap.Uint64("job", job),
			zap.String("chunk", chunk.Key()),
			zap.Int("planets", len(chunk.PlanetLocations)),
			zap.Duration("took", took),
			zap.String("total", humanize.Comma(int64(n))),
		)
		from = target
	}
}

// setCurrent records target for job and reports whether job is still the active one.
func (m *Manager) setCurrent(job uint64, target geom.ChunkFootprint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exploring || m.jobID != job {
		return false
	}
	m.current = &target
	return true
}

func (m *Manager) abandon(job uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobID == job && m.exploring {
		m.exploring = false
		m.current = nil
		m.cancel()
	}
}

// nextValidTarget returns the first valid chunk at or after from in pattern order.
func (m *Manager) nextValidTarget(ctx context.Context, p pattern.Pattern, from geom.ChunkFootprint) (geom.ChunkFootprint, error) {
	candidate := from
	var walked int64
	for {
		for i := 0; i < searchBatch; i++ {
			if m.isValidTarget(candidate) {
				if walked > searchBatch {
					m.log.Debug("skipped chunks", zap.String("walked", humanize.Comma(walked)))
				}
				return candidate, nil
			}
			candidate = p.Next(candidate)
			walked++
		}
		if err := ctx.Err(); err != nil {
			return geom.ChunkFootprint{}, err
		}
		runtime.Gosched()
	}
}

func (m *Manager) isValidTarget(fp geom.ChunkFootprint) bool {
	if !m.inRadius(fp) {
		return false
	}
	if m.store.HasMinedChunk(fp) {
		return false
	}
	if m.perlinThreshold <= 0 {
		return true
	}
	return m.perlin(fp.Center(), false) >= m.perlinThreshold
}

// inRadius uses the distance from the origin to the chunk's nearest corner.
func (m *Manager) inRadius(fp geom.ChunkFootprint) bool {
	half := float64(fp.SideLength) / 2
	cx := float64(fp.BottomLeft.X) + half
	cy := float64(fp.BottomLeft.Y) + half
	dx := math.Abs(cx) - half
	dy := math.Abs(cy) - half
	r := float64(m.radius.Load())
	return dx*dx+dy*dy < r*r
}

// enrich turns raw discoveries into planets with a location id and floored perlin value.
func (m *Manager) enrich(resp explorer.Response) (chunkstore.ExploredChunk, error) {
	planets := make([]chunkstore.Planet, 0, len(resp.PlanetLocations))
	for _, d := range resp.PlanetLocations {
		id, err := oracle.LocationIDFromDecimal(d.Hash)
		if err != nil {
			return chunkstore.ExploredChunk{}, fmt.Errorf("planet %s: %w", d.Coords, err)
		}
		planets = append(planets, chunkstore.Planet{
			Coords: d.Coords,
			Hash:   id,
			Perlin: m.perlin(d.Coords, true),
		})
	}
	return chunkstore.ExploredChunk{
		ChunkFootprint:  resp.ChunkFootprint,
		PlanetLocations: planets,
		Perlin:          m.perlin(resp.ChunkFootprint.Center(), false),
	}, nil
}
