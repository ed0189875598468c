// Package cli wires the chittysync commands: the serve daemon plus client
// commands that talk to a running daemon over its HTTP API.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/chittyos/chittysync/internal/syncclient"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	ServerURL string
	Token     string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the chittysync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chittysync",
		Short: "Resilient sync for case-management records",
		Long:  "chittysync propagates case-management records to a rate-limited document store,\nsurviving outages via retries, a circuit breaker, and a dead letter queue.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "http://127.0.0.1:8787", "daemon base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "bearer token for the daemon API")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))

	return cmd
}

func (o *RootOptions) client() *syncclient.Client {
	return syncclient.NewClient(o.ServerURL, o.Token, &http.Client{})
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
