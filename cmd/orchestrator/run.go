package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/forgepipe/orchestrator/internal/job"
	"github.com/forgepipe/orchestrator/internal/logger"
	"github.com/forgepipe/orchestrator/internal/pipeline"
)

// newRunCmd runs a job definition file standalone, without a queue —
// useful for exercising the pipeline core locally (spec's out-of-scope
// HTTP façade has no equivalent in this repository).
func newRunCmd(buildLogger func() (*logger.Logger, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <job-file>",
		Short: "Execute a job or pipeline definition file and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := buildLogger()
			if err != nil {
				return err
			}
			app := newAppContext(log)

			j, err := job.LoadFile(args[0])
			if err != nil {
				return err
			}

			jobID := uuid.NewString()
			log.Info(fmt.Sprintf("running job %s", jobID))

			onEvent := func(event, stepID string, optional bool) {
				log.WithFields(map[string]any{"step": stepID, "optional": optional}).Info(event)
			}
			onProgress := func(percent int) {
				log.Info(fmt.Sprintf("progress %d%%", percent))
			}

			result, err := pipeline.Dispatch(cmd.Context(), *j, app.deps, app.effects, jobID, onEvent, onProgress)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	return cmd
}
