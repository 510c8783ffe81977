package log

import (
	"path/filepath"
	"time"

	"sophon.space/internal/persistence/chunkstore"
)

// DiscoveryEntry is one explored chunk as recorded in the discovery log.
type DiscoveryEntry struct {
	Time         time.Time           `json:"time"`
	JobID        uint64              `json:"job_id"`
	Chunk        string              `json:"chunk"`
	MiningTimeMS int64               `json:"mining_time_ms"`
	Planets      []chunkstore.Planet `json:"planets"`
}

// DiscoveryLogger writes discoveries-YYYY-MM-DD-HH.jsonl.zst under dataDir/discoveries.
// onClose may be nil.
type DiscoveryLogger struct{ w *JSONLZstdWriter }

func NewDiscoveryLogger(dataDir string, onClose func(path string)) *DiscoveryLogger {
	return &DiscoveryLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "discoveries"), "discoveries", onClose)}
}

func (l *DiscoveryLogger) WriteChunk(jobID uint64, c chunkstore.ExploredChunk, took time.Duration) error {
	planets := c.PlanetLocations
	if planets == nil {
		planets = []chunkstore.Planet{}
	}
	return l.w.Write(DiscoveryEntry{
		Time:         l.w.now().UTC(),
		JobID:        jobID,
		Chunk:        c.Key(),
		MiningTimeMS: took.Milliseconds(),
		Planets:      planets,
	})
}

func (l *DiscoveryLogger) Close() error { return l.w.Close() }
