// Package mapfile dumps and preloads explored maps as JSON, optionally zstd-compressed.
package mapfile

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"sophon.space/internal/persistence/chunkstore"
	"sophon.space/internal/protocol"
)

var ErrInvalidMap = errors.New("invalid map file")

// DefaultExportName mirrors the dump name used by the explorer: map-export-<RFC3339>.json.
func DefaultExportName(now time.Time) string {
	return "map-export-" + now.UTC().Format(time.RFC3339) + ".json"
}

func compressed(path string) bool { return strings.HasSuffix(path, ".zst") }

func Export(path string, chunks []chunkstore.ExploredChunk) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var (
		w   io.Writer = f
		enc *zstd.Encoder
	)
	if compressed(path) {
		enc, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		w = enc
	}
	bw := bufio.NewWriterSize(w, 256*1024)

	if chunks == nil {
		chunks = []chunkstore.ExploredChunk{}
	}
	if err := json.NewEncoder(bw).Encode(chunks); err != nil {
		return fmt.Errorf("encode map: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return err
		}
	}
	return f.Close()
}

// Import reads a map written by Export (or by the remote explorer's JSON dump) and validates it
// against the embedded map schema before decoding.
func Import(path string) ([]chunkstore.ExploredChunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if compressed(path) {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		r = dec
	}
	raw, err := io.ReadAll(bufio.NewReaderSize(r, 256*1024))
	if err != nil {
		return nil, err
	}
	if err := protocol.Validate(protocol.SchemaMap, raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMap, path, err)
	}
	var chunks []chunkstore.ExploredChunk
	if err := json.Unmarshal(raw, &chunks); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMap, path, err)
	}
	for i := range chunks {
		if err := chunks[i].ChunkFootprint.Validate(); err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrInvalidMap, i, err)
		}
		if chunks[i].PlanetLocations == nil {
			chunks[i].PlanetLocations = []chunkstore.Planet{}
		}
	}
	return chunks, nil
}
