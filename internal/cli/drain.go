package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// DrainOptions holds flags for the drain command.
type DrainOptions struct {
	*RootOptions
	List bool
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Retry due dead-letter operations now",
		Long: `Trigger an immediate retry pass over the dead letter queue, instead of
waiting for the daemon's drain interval. With --list the queue is printed
and nothing is retried.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.List, "list", false, "list dead letters without retrying")

	return cmd
}

func runDrain(opts *DrainOptions, stdout io.Writer) error {
	ctx, cancel := commandContext()
	defer cancel()

	client := opts.client()
	formatter := &OutputFormatter{Format: opts.Format, Writer: stdout}

	if opts.List {
		feed, err := client.DeadLetters(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list dead letters", err)
		}
		return formatter.Emit(feed, func(w io.Writer) {
			if feed.Count == 0 {
				fmt.Fprintln(w, "dead letter queue is empty")
				return
			}
			for _, entry := range feed.Entries {
				state := "retrying"
				if entry.Permanent {
					state = "poison (permanent)"
				}
				fmt.Fprintf(w, "%s  attempt %d/%d  %s  next %s\n  %s\n",
					entry.Operation.IdempotencyKey(),
					entry.Attempts,
					entry.Operation.Retry.MaxAttempts,
					state,
					entry.RetryAt.Format("15:04:05"),
					entry.Error)
			}
		})
	}

	result, err := client.Drain(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "drain failed", err)
	}
	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "retried %d operations, %d succeeded\n", result.Attempted, result.Succeeded)
	})
}
