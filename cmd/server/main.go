package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/iliyamo/infusion-chair-coordinator/internal/config"
	"github.com/iliyamo/infusion-chair-coordinator/internal/database"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "infusion-server",
		Short:        "Infusion center chair coordinator",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(consumeAlertsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger writes JSON to stdout, or a console format in development.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

// bootstrap loads config, builds the logger and opens the database.
func bootstrap() (*config.Config, zerolog.Logger, *database.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	logger := newLogger(cfg)
	store, err := database.Open(cfg.DatabaseOptions())
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.DBDriver).Msg("failed to connect to database")
		return nil, logger, nil, err
	}
	logger.Info().Str("driver", cfg.DBDriver).Msg("connected to database")
	return cfg, logger, store, nil
}
