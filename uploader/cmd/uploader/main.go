package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/you-humble/framesync/uploader/internal/app"
	"github.com/you-humble/framesync/uploader/internal/domain"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "uploader",
		Short:         "Resumable upload of processing output to remote storage",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", app.DefaultConfigPath, "path to the YAML config")

	root.AddCommand(
		newServeCommand(&cfgPath),
		newUploadCommand(&cfgPath),
		newStatusCommand(&cfgPath),
	)
	return root
}

func newServeCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and the status reconciler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return app.New(ctx, *cfgPath).Run(ctx)
		},
	}
}

func newUploadCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <submission-id>",
		Short: "Upload or resume one submission in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Upload(cmd.Context(), *cfgPath, args[0])
		},
	}
}

func newStatusCommand(cfgPath *string) *cobra.Command {
	var (
		refresh bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "status [submission-id]",
		Short: "Show submission status and progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}

			subs, err := app.Status(cmd.Context(), *cfgPath, id, refresh)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(subs)
			}
			return printTable(cmd, subs)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "run one reconciliation pass first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}

func printTable(cmd *cobra.Command, subs []domain.Submission) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROCESSING\tUPLOAD\tERROR")
	for _, s := range subs {
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%d%%\t%s\n",
			s.ID, s.Status, s.ProcessingProgress, s.UploadProgress, s.Error)
	}
	return w.Flush()
}
