package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sicko7947/mangaflow/api"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the HTTP API. With the memory event backend the generation
workers run in the same process.

Metrics are only recorded when metrics.log_interval is set; a snapshot of
every instrument is then logged at that interval. Without it no reader is
attached and measurements are dropped.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.StringVarP(&serveHost, "host", "H", "", "server host (overrides config)")
	flags.IntVarP(&servePort, "port", "p", 0, "server port (overrides config)")
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cfg.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is required")
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

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Events.Backend == "memory" {
		g.Go(func() error { return rt.consume(gctx) })
	}
	g.Go(func() error {
		return api.NewServer(rt.engine, cfg.Server, logger).Run(gctx)
	})

	logger.Info().
		Str("addr", cfg.Server.Addr()).
		Bool("production", cfg.Server.Production).
		Msg("MangaFlow started")
	return g.Wait()
}
