// Command sophon explores a Dark Forest style universe chunk by chunk and serves the
// discovered map to clients over a websocket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sophon.space/internal/sim/tuning"
)

var (
	// Global flags
	verbose    bool
	configPath string

	logger *zap.Logger
	tune   tuning.Tuning
)

var rootCmd = &cobra.Command{
	Use:   "sophon",
	Short: "Sophon - a headless chunk explorer",
	Long: `Sophon walks the universe in a spiral of chunks, finds every planet whose hash falls
below the rarity threshold, and keeps the explored map on disk.

Configuration comes from a YAML file, then environment variables
(CHUNK_SIZE, WORLD_RADIUS, INIT_COORDS, ...), then command-line flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		tune, err = tuning.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := tune.ApplyEnv(); err != nil {
			return err
		}
		if err := applyFlagOverrides(cmd, &tune); err != nil {
			return err
		}
		return tune.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to sophon.yaml (defaults only when empty)")
	rootCmd.PersistentFlags().String("data-dir", "", "runtime data directory (DATA_DIR)")

	rootCmd.AddCommand(serveCmd, exploreCmd, exportCmd, importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
