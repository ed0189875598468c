package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve record conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(rootOpts))
	cmd.AddCommand(newConflictsResolveCommand(rootOpts))
	return cmd
}

func newConflictsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List conflict records",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsList(rootOpts, cmd.OutOrStdout())
		},
	}
}

func runConflictsList(opts *RootOptions, stdout io.Writer) error {
	ctx, cancel := commandContext()
	defer cancel()

	feed, err := opts.client().Conflicts(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list conflicts", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: stdout}
	return formatter.Emit(feed, func(w io.Writer) {
		if feed.Count == 0 {
			fmt.Fprintln(w, "no conflicts")
			return
		}
		for _, record := range feed.Conflicts {
			fmt.Fprintf(w, "%s  key=%s  status=%s  detected=%s\n",
				record.ID, record.Key, record.Status, record.DetectedAt.Format("2006-01-02 15:04:05"))
			for _, candidate := range record.Candidates {
				fmt.Fprintf(w, "  candidate source=%s ts=%s\n", candidate.Source, candidate.Timestamp.Format("15:04:05"))
			}
		}
	})
}

type conflictsResolveOptions struct {
	*RootOptions
	Winner     string
	ResolvedBy string
}

func newConflictsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &conflictsResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "resolve <conflict-id>",
		Short:         "Resolve a conflict by picking the winning source",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsResolve(opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Winner, "winner", "", "source whose version wins (required)")
	cmd.Flags().StringVar(&opts.ResolvedBy, "by", "", "who is resolving, for the audit trail")
	_ = cmd.MarkFlagRequired("winner")

	return cmd
}

func runConflictsResolve(opts *conflictsResolveOptions, conflictID string, stdout io.Writer) error {
	ctx, cancel := commandContext()
	defer cancel()

	record, err := opts.client().ResolveConflict(ctx, conflictID, opts.Winner, opts.ResolvedBy)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to resolve conflict", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: stdout}
	return formatter.Emit(record, func(w io.Writer) {
		fmt.Fprintf(w, "conflict %s resolved: %s wins\n", record.ID, opts.Winner)
	})
}
