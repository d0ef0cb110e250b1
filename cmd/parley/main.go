package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"parley/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the settings shared by every subcommand.
type cli struct {
	cfg        *config.Config
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "parley",
		Short:         "Answer markdown chat transcripts with streaming LLM providers",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if c.configPath != "" {
				cfg.ConfigFile = c.configPath
			}
			if c.logLevel != "" {
				cfg.Log.Level = c.logLevel
			}
			setupLogger(cfg.Log.Level)
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "TOML file with providers, agents and schemas (default $PARLEY_CONFIG)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error (default $PARLEY_LOG_LEVEL)")

	root.AddCommand(
		c.newRespondCommand(),
		c.newPayloadCommand(),
		c.newValidateCommand(),
		c.newUsageCommand(),
		c.newSealCommand(),
		c.newEventsCommand(),
		c.newServeCommand(),
	)
	return root
}

// setupLogger writes to stderr; stdout carries answers and protocol output.
func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
