package chunkstore

import "sophon.space/internal/sim/geom"

const (
	MinChunkSize = 16
	MaxChunkSize = 256
)

// Planet is a discovery enriched for clients: Hash is the 64 hex digit location id.
type Planet struct {
	Coords geom.Coords `json:"coords"`
	Hash   string      `json:"hash"`
	Perlin float64     `json:"perlin"`
}

// ExploredChunk is the unit stored, exported and streamed to clients.
type ExploredChunk struct {
	ChunkFootprint  geom.ChunkFootprint `json:"chunkFootprint"`
	PlanetLocations []Planet            `json:"planetLocations"`
	Perlin          float64             `json:"perlin"`
}

func (c ExploredChunk) Key() string { return c.ChunkFootprint.Key() }

type OpKind int

const (
	OpPut OpKind = iota + 1
	OpDelete
)

// Op is one persisted change. Chunk is only set for OpPut.
type Op struct {
	Kind  OpKind
	Key   string
	Chunk ExploredChunk
}
