package main

import (
	"civicplan/api/internal/config"
	"civicplan/api/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type env struct {
	cfg    config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	e := &env{}
	rootCmd := &cobra.Command{
		Use:           "civicplan-api",
		Short:         "CivicPlan collaboration API",
		Long:          "civicplan-api serves the realtime collaboration engine for plans, goals, initiatives and dashboards, and manages its database.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			e.cfg = config.Load()
			e.logger = logging.New(e.cfg.LogLevel, e.cfg.LogFormat)
		},
	}

	rootCmd.AddCommand(
		newServeCmd(e),
		newMigrateCmd(e),
		newTokenCmd(e),
		newReindexCmd(e),
	)
	return rootCmd
}
