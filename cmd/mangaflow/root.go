package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sicko7947/mangaflow"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mangaflow",
	Short: "MangaFlow - event-driven manga story generation",
	Long: `MangaFlow turns reader preferences into generated manga stories and
episodes. The API accepts requests and the workers run the generation
stages from the event bus.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./configs/config.yaml)")
}

// loadConfig reads the configuration and builds the process logger
func loadConfig() (*mangaflow.Config, zerolog.Logger, error) {
	cfg, err := mangaflow.LoadConfig(cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	logger, err := mangaflow.NewLogger(cfg.Log)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}
