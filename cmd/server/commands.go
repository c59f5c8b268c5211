package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/infusion-chair-coordinator/internal/config"
	"github.com/iliyamo/infusion-chair-coordinator/internal/queue"
	"github.com/iliyamo/infusion-chair-coordinator/internal/seed"
	"github.com/iliyamo/infusion-chair-coordinator/internal/utils"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, store, err := bootstrap()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				logger.Error().Err(err).Msg("migration failed")
				return err
			}
			logger.Info().Msg("schema up to date")
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load demo chairs, patients and medications",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, store, err := bootstrap()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			_, err = seed.Run(cmd.Context(), store, logger)
			return err
		},
	}
}

// tokenCmd mints an access token for local testing.  Production tokens
// come from the identity service.
func tokenCmd() *cobra.Command {
	var subject, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.AccessTTLMin) * time.Minute
			}
			tok, err := utils.NewAccessToken(cfg.JWTSecret, subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "dev-user", "token subject")
	cmd.Flags().StringVar(&role, "role", "NURSE", "ADMIN, DOCTOR or NURSE")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime (defaults to ACCESS_TOKEN_TTL_MIN)")
	return cmd
}

func consumeAlertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume-alerts",
		Short: "Append low stock events to the pharmacy alert log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info().Str("log", cfg.StockAlertLog).Msg("consuming stock alerts")
			err = queue.NewStockAlertConsumer(cfg.RabbitMQURL, cfg.StockAlertLog, logger).Run(ctx)
			if errors.Is(err, context.Canceled) {
				logger.Info().Msg("consumer stopped")
				return nil
			}
			return err
		},
	}
}
