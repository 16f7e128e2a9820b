package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/campus-crawler/internal/checkpoint"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [job_id]",
		Short: "Show one job or list every job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				cp, err := appInstance.Job(args[0])
				if err != nil {
					return err
				}
				return printJob(out, cp)
			}
			jobs, err := appInstance.Jobs()
			if err != nil {
				return err
			}
			return printJobs(out, jobs)
		},
	}
}

func printJobs(out io.Writer, jobs []checkpoint.Summary) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(out, "No jobs found.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tDOMAIN\tSTATUS\tSTAGE\tTOTAL\tPROCESSED\tFAILED\tCHECKPOINT")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			j.JobID, j.Domain, j.Status, j.Stage, j.TotalPages, j.ProcessedPages, j.FailedPages,
			j.CheckpointTime.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func printJob(out io.Writer, cp *checkpoint.Checkpoint) error {
	job, state := cp.Job, cp.PipelineState
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Job:\t%s\n", job.JobID)
	fmt.Fprintf(w, "Domain:\t%s\n", job.Domain)
	fmt.Fprintf(w, "Status:\t%s\n", job.Status)
	fmt.Fprintf(w, "Stage:\t%s\n", state.CurrentStage)
	fmt.Fprintf(w, "Pages:\t%d total, %d processed, %d failed\n", job.TotalPages, job.ProcessedPages, job.FailedPages)
	fmt.Fprintf(w, "Queues:\t%d pending, %d processing, %d completed, %d failed\n",
		state.PendingURLs, state.ProcessingURLs, state.CompletedURLs, state.FailedURLs)
	fmt.Fprintf(w, "Subdomains:\t%d\n", job.SubdomainsFound)
	fmt.Fprintf(w, "Created:\t%s\n", job.CreatedAt.UTC().Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Fprintf(w, "Started:\t%s\n", job.StartedAt.UTC().Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:\t%s\n", job.CompletedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Checkpoint:\t%s\n", cp.CheckpointTime.UTC().Format(time.RFC3339))
	return w.Flush()
}
