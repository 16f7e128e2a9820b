package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job_id>",
		Short: "Resume a paused or interrupted job",
		Long: `Continues a job from its checkpoint and queue files. Pages that were in
flight when the job stopped are fetched again first. Resuming a completed job
does nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			appInstance.GetLogger().Info("resuming crawl", zap.String("job_id", args[0]))
			job, err := appInstance.Resume(cmd.Context(), args[0])
			return report(cmd.OutOrStdout(), job, err)
		},
	}
}
