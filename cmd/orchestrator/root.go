package main

import (
	"github.com/spf13/cobra"

	"github.com/forgepipe/orchestrator/internal/logger"
)

type rootFlags struct {
	logLevel string
	pretty   bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Runs declarative DAG pipelines against remote compute backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flags.pretty, "pretty", false, "Human-readable console logs instead of JSON")

	buildLogger := func() (*logger.Logger, error) {
		return logger.New(logger.Options{Level: flags.logLevel, HumanReadable: flags.pretty})
	}

	cmd.AddCommand(newRunCmd(buildLogger))
	cmd.AddCommand(newWorkerCmd(buildLogger))
	cmd.AddCommand(newVersionCmd())

	return cmd
}
