package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the generation workers",
	Long: `Consume generation events from the Redis stream and run the story,
batch, episode and continuation stages. Requires the redis event backend.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Events.Backend != "redis" {
		return errors.New("worker requires events.backend=redis; the memory backend runs workers inside serve")
	}

	ctx, stop := signalContext()
	defer stop()

	rt, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error().Err(err).Msg("Shutdown incomplete")
		}
	}()

	err = rt.consume(ctx)
	logger.Info().Msg("Workers stopped")
	return err
}
