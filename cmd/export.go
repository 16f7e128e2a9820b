package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/campus-crawler/internal/export"
)

func newExportCmd() *cobra.Command {
	var asCSV, asJSON bool
	cmd := &cobra.Command{
		Use:   "export <job_id>",
		Short: "Export a job's pages and contacts",
		Long: `Writes the job's crawled pages and extracted contacts to the configured
blob store. Without --csv or --json the configured export formats are used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var formats []export.Format
			if asCSV {
				formats = append(formats, export.FormatCSV)
			}
			if asJSON {
				formats = append(formats, export.FormatJSON)
			}
			if len(formats) == 0 {
				if formats, err = appInstance.Config().ExportFormats(); err != nil {
					return err
				}
			}
			if len(formats) == 0 {
				return errors.New("no export format selected")
			}
			paths, err := appInstance.Export(cmd.Context(), args[0], formats...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range paths {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asCSV, "csv", false, "write CSV files")
	cmd.Flags().BoolVar(&asJSON, "json", false, "write JSON files")
	return cmd
}
