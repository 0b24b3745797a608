package main

import (
	"context"
	"time"

	"github.com/sicko7947/mangaflow/store"
	"github.com/spf13/cobra"
)

var tableWait time.Duration

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Manage the DynamoDB table",
}

var tableCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the table and its indexes",
	Long:  `Create the single table with its GSI1 and GSI2 indexes. An existing table is left untouched.`,
	RunE:  runTableCreate,
}

func init() {
	tableCreateCmd.Flags().DurationVar(&tableWait, "wait", 2*time.Minute, "how long to wait for the table to become active")
	tableCmd.AddCommand(tableCreateCmd)
	rootCmd.AddCommand(tableCmd)
}

func runTableCreate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), tableWait+30*time.Second)
	defer cancel()

	client, err := newDynamoDBClient(ctx, cfg.DynamoDB)
	if err != nil {
		return err
	}
	if err := store.CreateTable(ctx, client, cfg.DynamoDB.Table, tableWait); err != nil {
		return err
	}

	logger.Info().Str("table", cfg.DynamoDB.Table).Msg("Table ready")
	return nil
}
