package main

import (
	"github.com/spf13/cobra"

	"sophon.space/internal/sim/tuning"
)

// applyFlagOverrides copies every explicitly set flag onto t. Flags a command does not
// define are skipped.
func applyFlagOverrides(cmd *cobra.Command, t *tuning.Tuning) error {
	fs := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err != nil || fs.Lookup(name) == nil || !fs.Changed(name) {
			return
		}
		err = apply()
	}

	set("data-dir", func() (e error) { t.DataDir, e = fs.GetString("data-dir"); return })
	set("chunk-size", func() (e error) { t.ChunkSize, e = fs.GetInt("chunk-size"); return })
	set("radius", func() (e error) { t.WorldRadius, e = fs.GetInt64("radius"); return })
	set("rarity", func() (e error) { t.PlanetRarity, e = fs.GetUint32("rarity"); return })
	set("cores", func() (e error) { t.ExploreCores, e = fs.GetInt("cores"); return })
	set("center", func() (e error) { t.InitCoords, e = fs.GetString("center"); return })
	set("pattern", func() (e error) { t.ExplorePattern, e = fs.GetString("pattern"); return })
	set("perlin-threshold", func() (e error) { t.PerlinThreshold, e = fs.GetFloat64("perlin-threshold"); return })
	set("port", func() (e error) { t.Port, e = fs.GetInt("port"); return })
	set("explore", func() (e error) { t.ShouldExplore, e = fs.GetBool("explore"); return })
	set("websocket", func() (e error) { t.IsWebsocketServer, e = fs.GetBool("websocket"); return })
	set("radius-updates", func() (e error) { t.RadiusUpdates, e = fs.GetBool("radius-updates"); return })
	set("preload", func() (e error) { t.PreloadMap, e = fs.GetString("preload"); return })
	set("dump", func() (e error) { t.ShouldDump, e = fs.GetBool("dump"); return })
	return err
}

// addExplorerFlags registers the flags shared by serve and explore.
func addExplorerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("chunk-size", 0, "chunk side length, a power of two in [16,256] (CHUNK_SIZE)")
	f.Uint32("rarity", 0, "planet rarity (PLANET_RARITY)")
	f.Int("cores", 0, "explorer worker goroutines (EXPLORE_CORES)")
	f.String("center", "", `spiral center as "x,y" (INIT_COORDS)`)
}
