package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/sicko7947/mangaflow/api"
	"github.com/spf13/cobra"
)

var (
	tokenUser  string
	tokenEmail string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for local testing",
	Long:  `Sign an HS256 token with server.jwt_secret for the given user.`,
	RunE:  runToken,
}

func init() {
	flags := tokenCmd.Flags()
	flags.StringVarP(&tokenUser, "user", "u", "", "user id (required)")
	flags.StringVar(&tokenEmail, "email", "", "email claim")
	flags.DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is required")
	}

	token, err := api.NewAuthenticator(cfg.Server.JWTSecret, nil).SignToken(tokenUser, tokenEmail, tokenTTL)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
