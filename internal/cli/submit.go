package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/chittyos/chittysync/internal/chittysync"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Kind      string
	SessionID string
	Key       string
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <payload.json | ->",
		Short: "Submit one operation to the daemon",
		Long: `Submit one operation to a running daemon. The argument is either a JSON
file or "-" for stdin. The file holds a full operation object, or, when
--kind is given, just the record payload.

Example:
  chittysync submit ./op.json
  echo '{"name":"Acme"}' | chittysync submit --kind create-entity -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "operation kind, e.g. create-entity (payload-only input)")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "override the session id")
	cmd.Flags().StringVar(&opts.Key, "key", "", "explicit idempotency key")

	return cmd
}

func runSubmit(opts *SubmitOptions, source string, stdout io.Writer) error {
	data, err := readInput(source)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read input", err)
	}

	var op chittysync.Operation
	if opts.Kind != "" {
		kind, err := chittysync.ParseKind(opts.Kind)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid kind", err)
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			return WrapExitError(ExitCommandError, "invalid payload json", err)
		}
		op = chittysync.Operation{Kind: kind, Payload: payload}
	} else if err := json.Unmarshal(data, &op); err != nil {
		return WrapExitError(ExitCommandError, "invalid operation json", err)
	}
	if opts.SessionID != "" {
		op.SessionID = opts.SessionID
	}
	if opts.Key != "" {
		op.Key = opts.Key
	}

	ctx, cancel := commandContext()
	defer cancel()
	result, err := opts.client().Submit(ctx, op)
	if err != nil {
		return WrapExitError(ExitFailure, "submit failed", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: stdout}
	return formatter.Emit(result, func(w io.Writer) {
		if result.Queued {
			fmt.Fprintf(w, "queued for retry (key=%s, reason=%s)\n", result.Key, result.Kind)
			return
		}
		ack := result.Ack
		verb := "updated"
		if ack.Created {
			verb = "created"
		} else if !ack.Applied {
			verb = "skipped (already applied)"
		}
		fmt.Fprintf(w, "%s record %s (key=%s)\n", verb, ack.RecordID, ack.Key)
		if ack.ConflictRaised {
			fmt.Fprintf(w, "conflict raised: %s\n", ack.ConflictID)
		}
	})
}

func readInput(source string) ([]byte, error) {
	if source == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(source)
}
