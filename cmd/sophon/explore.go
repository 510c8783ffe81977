package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sophon.space/internal/sim/explorer"
	"sophon.space/internal/sim/pattern"
	"sophon.space/internal/sim/tuning"
)

var (
	exploreChunks int
	exploreFormat string
)

var exploreCmd = &cobra.Command{
	Use:   "explore",
	Short: "Explore the first N chunks of the spiral and print the planets found",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runExplore(ctx, cmd.OutOrStdout(), tune, exploreChunks, exploreFormat, logger)
	},
}

func init() {
	addExplorerFlags(exploreCmd)
	exploreCmd.Flags().IntVarP(&exploreChunks, "chunks", "n", 1, "number of chunks to explore")
	exploreCmd.Flags().StringVar(&exploreFormat, "format", "human", "output format: human, json or csv")
}

func runExplore(ctx context.Context, w io.Writer, t tuning.Tuning, n int, format string, log *zap.Logger) error {
	switch format {
	case "human", "json", "csv":
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	if n <= 0 {
		return fmt.Errorf("--chunks must be > 0, got %d", n)
	}
	center, err := t.Center()
	if err != nil {
		return err
	}
	seq, err := pattern.NewSpiralSequence(center, uint16(t.ChunkSize))
	if err != nil {
		return err
	}
	ex := explorer.New(explorer.Config{Workers: t.ExploreCores, Logger: log})

	var (
		responses []explorer.Response
		points    int64
		start     = time.Now()
	)
	for _, fp := range seq.Take(n) {
		resp, err := ex.Explore(ctx, explorer.Request{ChunkFootprint: fp, PlanetRarity: t.PlanetRarity})
		if err != nil {
			return fmt.Errorf("explore %s: %w", fp, err)
		}
		responses = append(responses, resp)
		points += fp.Points()
	}
	took := time.Since(start)

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(responses)
	case "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"chunk", "x", "y", "hash"})
		for _, r := range responses {
			for _, d := range r.PlanetLocations {
				_ = cw.Write([]string{
					r.ChunkFootprint.Key(),
					strconv.FormatInt(d.Coords.X, 10),
					strconv.FormatInt(d.Coords.Y, 10),
					d.Hash,
				})
			}
		}
		cw.Flush()
		return cw.Error()
	}

	total := 0
	for _, r := range responses {
		fmt.Fprintf(w, "chunk %s: %d planets\n", r.ChunkFootprint, len(r.PlanetLocations))
		for _, d := range r.PlanetLocations {
			fmt.Fprintf(w, "  %s %s\n", d.Coords, d.Hash)
		}
		total += len(r.PlanetLocations)
	}
	rate := float64(points) / took.Seconds()
	fmt.Fprintf(w, "%s planets in %s chunks (%s hashes, %s/s, %s)\n",
		humanize.Comma(int64(total)),
		humanize.Comma(int64(len(responses))),
		humanize.Comma(points),
		humanize.CommafWithDigits(rate, 0),
		took.Round(time.Millisecond),
	)
	return nil
}
