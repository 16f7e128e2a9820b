package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/campus-crawler/internal/export"
)

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <job_id>",
		Short: "Write a job's site report",
		Long: `Builds site metrics for a job and writes them as JSON to the blob store.
The report covers content types, links, contacts, status codes, redirect chains
and a per-host breakdown.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			rep, uri, err := appInstance.Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), rep, uri)
		},
	}
}

func printReport(out io.Writer, rep *export.SiteReport, uri string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Job:\t%s (%s)\n", rep.Job.JobID, rep.Job.Domain)
	fmt.Fprintf(w, "Duration:\t%.0fs\n", rep.Job.DurationSeconds)
	fmt.Fprintf(w, "Pages:\t%d (%d ok, %d failed, %.1f%% success)\n",
		rep.Crawl.TotalPages, rep.Crawl.SuccessfulPages, rep.Crawl.FailedPages, rep.Crawl.SuccessRate*100)
	fmt.Fprintf(w, "Links:\t%d internal, %d external, %d external domains\n",
		rep.Links.InternalLinks, rep.Links.ExternalLinks, len(rep.Links.UniqueExternalDomains))
	fmt.Fprintf(w, "Emails:\t%d unique\n", rep.Contacts.UniqueEmails)
	fmt.Fprintf(w, "Redirects:\t%d\n", len(rep.HTTP.Redirects))
	fmt.Fprintf(w, "Hosts:\t%d\n", len(rep.Subdomains))
	fmt.Fprintf(w, "Report:\t%s\n", uri)
	return w.Flush()
}
