package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sophon.space/internal/persistence/chunkstore"
	persistlog "sophon.space/internal/persistence/log"
	"sophon.space/internal/persistence/mapfile"
	"sophon.space/internal/sim/explorer"
	"sophon.space/internal/sim/miner"
	"sophon.space/internal/sim/tuning"
	"sophon.space/internal/transport/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Explore continuously and serve the map over a websocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return serve(ctx, tune, logger)
	},
}

func init() {
	addExplorerFlags(serveCmd)
	f := serveCmd.Flags()
	f.Int64("radius", 0, "world radius (WORLD_RADIUS)")
	f.String("pattern", "", "exploration pattern (EXPLORE_PATTERN)")
	f.Float64("perlin-threshold", 0, "skip chunks whose center perlin is below this (PERLIN_THRESHOLD)")
	f.Int("port", 0, "websocket/status listen port (PORT)")
	f.Bool("explore", true, "run the miner (SHOULD_EXPLORE)")
	f.Bool("websocket", true, "serve the websocket feed (IS_WEBSOCKET_SERVER)")
	f.Bool("radius-updates", false, "let clients change the world radius (RADIUS_UPDATES)")
	f.String("preload", "", "map file to import before exploring (PRELOAD_MAP)")
	f.Bool("dump", true, "export the map to the data dir at startup (SHOULD_DUMP)")
}

func serve(ctx context.Context, t tuning.Tuning, log *zap.Logger) error {
	backend, err := chunkstore.OpenSQLite(filepath.Join(t.DataDir, "chunks.sqlite"), chunkstore.SQLiteOptions{Logger: log})
	if err != nil {
		return fmt.Errorf("open chunk db: %w", err)
	}
	store, err := chunkstore.Open(ctx, chunkstore.Config{Backend: backend, Logger: log})
	if err != nil {
		_ = backend.Close()
		return err
	}
	defer store.Close()

	mirror, err := newMirror(t, log)
	if err != nil {
		return err
	}
	defer mirror.Close()

	if t.PreloadMap != "" {
		if err := preload(store, t.PreloadMap, log); err != nil {
			return err
		}
	}
	if t.ShouldDump {
		path := filepath.Join(t.DataDir, mapfile.DefaultExportName(time.Now()))
		if err := mapfile.Export(path, store.All()); err != nil {
			return fmt.Errorf("dump map: %w", err)
		}
		log.Info("map exported", zap.String("path", path), zap.Int("chunks", store.Len()))
		mirror.Enqueue(path)
	}

	p, err := t.Pattern()
	if err != nil {
		return err
	}
	mgr, err := miner.New(miner.Config{
		Store:           store,
		Explorer:        explorer.New(explorer.Config{Workers: t.ExploreCores, Logger: log}),
		Pattern:         p,
		WorldRadius:     t.WorldRadius,
		PlanetRarity:    t.PlanetRarity,
		PerlinThreshold: t.PerlinThreshold,
		Logger:          log,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	discoveries := persistlog.NewDiscoveryLogger(t.DataDir, func(path string) { mirror.Enqueue(path) })
	defer discoveries.Close()
	feed, unsubscribe := mgr.Subscribe()
	g.Go(func() error {
		recordDiscoveries(gctx, feed, discoveries, log)
		return nil
	})

	if t.ShouldExplore {
		mgr.Start(gctx)
	}

	if t.IsWebsocketServer {
		mux := http.NewServeMux()
		ws.NewServer(ws.Config{
			Store:         store,
			Miner:         mgr,
			ChunkSize:     int64(t.ChunkSize),
			WorldRadius:   t.WorldRadius,
			RadiusUpdates: t.RadiusUpdates,
			PatternName:   t.ExplorePattern,
			Logger:        log,
		}).Routes(mux)
		srv := &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(t.Port)),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			<-gctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			return srv.Shutdown(ctx2)
		})
		g.Go(func() error {
			log.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		})
	}

	<-gctx.Done()
	mgr.Stop()
	unsubscribe()
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete", zap.String("explored", humanize.Comma(int64(mgr.Explored()))))
	return nil
}

func preload(store *chunkstore.Store, path string, log *zap.Logger) error {
	chunks, err := mapfile.Import(path)
	if err != nil {
		return fmt.Errorf("preload: %w", err)
	}
	added := 0
	for _, c := range chunks {
		if store.Update(c, false) {
			added++
		}
	}
	log.Info("map preloaded",
		zap.String("path", path),
		zap.String("chunks", humanize.Comma(int64(len(chunks)))),
		zap.Int("new", added),
	)
	return nil
}

// recordDiscoveries appends every finished chunk to the discovery log and reports progress
// once a minute.
func recordDiscoveries(ctx context.Context, feed <-chan miner.Discovered, out *persistlog.DiscoveryLogger, log *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	var (
		chunks, planets uint64
		points          int64
		since           = time.Now()
	)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-feed:
			if !ok {
				return
			}
			if err := out.WriteChunk(d.JobID, d.Chunk, d.MiningTime); err != nil {
				log.Warn("discovery log write failed", zap.Error(err))
			}
			chunks++
			planets += uint64(len(d.Chunk.PlanetLocations))
			points += d.Chunk.ChunkFootprint.Points()
		case now := <-ticker.C:
			if chunks == 0 {
				continue
			}
			rate := float64(points) / now.Sub(since).Seconds()
			log.Info("exploration progress",
				zap.String("chunks", humanize.Comma(int64(chunks))),
				zap.String("planets", humanize.Comma(int64(planets))),
				zap.String("hashes_per_sec", humanize.CommafWithDigits(rate, 0)),
			)
			chunks, planets, points, since = 0, 0, 0, now
		}
	}
}
