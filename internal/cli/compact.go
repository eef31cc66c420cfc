package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/notesync/internal/store"
)

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	Keep int
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact <doc>",
		Short: "Fold old updates of a document into its base state",
		Long: `Fold all but the newest --keep updates of a document into its
compaction base. The document state is unchanged; versions older than the
kept window can no longer be materialized.

Example:
  notesync compact workspace:personal --keep 100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Keep < 0 {
				return NewExitError(ExitCommandError, "--keep must not be negative")
			}
			return runCompact(cmd, opts, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.Keep, "keep", 100, "number of newest updates to keep")

	return cmd
}

func runCompact(cmd *cobra.Command, opts *CompactOptions, doc string) error {
	ctx := commandContext(cmd)
	return opts.withBackend(ctx, func(backend store.Backend) error {
		folded, err := backend.Compact(ctx, doc, opts.Keep)
		if err != nil {
			return WrapEngineError("failed to compact", err)
		}
		opts.log().Info("compacted", "doc", doc, "folded", folded, "keep", opts.Keep)

		if opts.Format == "json" {
			return opts.formatter(cmd).Success(map[string]any{"doc": doc, "folded": folded, "keep": opts.Keep})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Folded %d updates of %s (kept newest %d)\n", folded, doc, opts.Keep)
		return nil
	})
}
