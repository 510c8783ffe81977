package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sophon.space/internal/persistence/chunkstore"
	"sophon.space/internal/persistence/mapfile"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the explored map to a JSON file (.zst for zstd)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := exportOut
		if out == "" {
			out = filepath.Join(tune.DataDir, mapfile.DefaultExportName(time.Now()))
		}
		mirror, err := newMirror(tune, logger)
		if err != nil {
			return err
		}
		defer mirror.Close()
		return withStore(cmd.Context(), tune.DataDir, logger, func(store *chunkstore.Store) error {
			if err := mapfile.Export(out, store.All()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d chunks to %s\n", store.Len(), out)
			mirror.Enqueue(out)
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import PATH",
	Short: "Merge a map file into the explored map",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), tune.DataDir, logger, func(store *chunkstore.Store) error {
			return preload(store, args[0], logger)
		})
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output path (default: <data-dir>/map-export-<time>.json)")
}

func withStore(ctx context.Context, dataDir string, log *zap.Logger, fn func(*chunkstore.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := chunkstore.OpenSQLite(filepath.Join(dataDir, "chunks.sqlite"), chunkstore.SQLiteOptions{Logger: log})
	if err != nil {
		return fmt.Errorf("open chunk db: %w", err)
	}
	store, err := chunkstore.Open(ctx, chunkstore.Config{Backend: backend, Logger: log})
	if err != nil {
		_ = backend.Close()
		return err
	}
	if err := fn(store); err != nil {
		_ = store.Close()
		return err
	}
	return store.Close()
}
