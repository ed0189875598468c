package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show daemon metrics and the session clock",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd.OutOrStdout())
		},
	}
}

func runStatus(opts *RootOptions, stdout io.Writer) error {
	ctx, cancel := commandContext()
	defer cancel()

	client := opts.client()
	metrics, err := client.Metrics(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to fetch metrics", err)
	}
	clock, err := client.Clock(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to fetch clock", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: stdout}
	return formatter.Emit(map[string]any{
		"metrics": metrics,
		"clock":   clock,
	}, func(w io.Writer) {
		fmt.Fprintf(w, "session:        %s\n", clock.SessionID)
		fmt.Fprintf(w, "circuit:        %s\n", metrics.CircuitState)
		fmt.Fprintf(w, "tokens:         %.1f\n", metrics.RateLimiterTokens)
		fmt.Fprintf(w, "submitted:      %d (ok=%d failed=%d)\n", metrics.Submitted, metrics.Succeeded, metrics.Failed)
		fmt.Fprintf(w, "dead letters:   %d (%d poison)\n", metrics.DLQDepth, metrics.DLQPoison)
		fmt.Fprintf(w, "conflicts:      %d resolved, %d awaiting manual\n", metrics.ConflictsResolved, metrics.ConflictsManual)
		fmt.Fprintf(w, "drain cycles:   %d (%d operations retried)\n", metrics.DrainCycles, metrics.DrainedOperations)
		nodes := make([]string, 0, len(clock.VectorClock))
		for node := range clock.VectorClock {
			nodes = append(nodes, node)
		}
		sort.Strings(nodes)
		fmt.Fprintf(w, "clock:\n")
		for _, node := range nodes {
			fmt.Fprintf(w, "  %s: %d\n", node, clock.VectorClock[node])
		}
	})
}
