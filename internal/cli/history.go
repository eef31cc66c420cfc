package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/notesync/internal/history"
	"github.com/roach88/notesync/internal/replica"
	"github.com/roach88/notesync/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit int
}

// VersionView is one history entry as printed.
type VersionView struct {
	ID         int64  `json:"id"`
	Timestamp  string `json:"timestamp"`
	Origin     string `json:"origin"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	Size       int    `json:"size"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <doc>",
		Short: "List the logged versions of a document",
		Long: `List the logged versions of a document, newest first.

Example:
  notesync history workspace:personal
  notesync history doc:0b5c... --limit 10 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, opts, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of versions (0 = all)")

	return cmd
}

func runHistory(cmd *cobra.Command, opts *HistoryOptions, doc string) error {
	ctx := commandContext(cmd)
	return opts.withBackend(ctx, func(backend store.Backend) error {
		versions, err := history.NewManager(backend, opts.log()).GetHistory(ctx, doc, opts.Limit)
		if err != nil {
			return WrapEngineError("failed to read history", err)
		}

		views := make([]VersionView, len(versions))
		for i, v := range versions {
			views[i] = VersionView{
				ID:         v.ID,
				Timestamp:  v.Timestamp.UTC().Format(time.RFC3339Nano),
				Origin:     string(v.Origin),
				DeviceID:   v.DeviceID,
				DeviceName: v.DeviceName,
				Size:       v.Size,
			}
		}

		if opts.Format == "json" {
			return opts.formatter(cmd).Success(map[string]any{"doc": doc, "versions": views})
		}
		w := cmd.OutOrStdout()
		if len(views) == 0 {
			fmt.Fprintf(w, "No history for %s\n", doc)
			return nil
		}
		printVersions(w, views)
		return nil
	})
}

func printVersions(w io.Writer, views []VersionView) {
	fmt.Fprintf(w, "%-8s %-30s %-7s %-20s %s\n", "ID", "TIME", "ORIGIN", "DEVICE", "BYTES")
	for _, v := range views {
		device := v.DeviceName
		if device == "" {
			device = "-"
		}
		fmt.Fprintf(w, "%-8d %-30s %-7s %-20s %d\n", v.ID, v.Timestamp, v.Origin, device, v.Size)
	}
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <doc> <from> <to>",
		Short: "List entries that changed between two versions",
		Long: `List entries that changed between two versions of a document.

Version 0 is the empty document. For a workspace every added, modified,
deleted or restored entry is listed by path; a body document reports at
most one modification.

Example:
  notesync diff workspace:personal 0 42`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := parseVersionPair(args[1], args[2])
			if err != nil {
				return err
			}
			return runDiff(cmd, rootOpts, args[0], from, to)
		},
	}
}

func runDiff(cmd *cobra.Command, opts *RootOptions, doc string, from, to int64) error {
	ctx := commandContext(cmd)
	return opts.withBackend(ctx, func(backend store.Backend) error {
		diffs, err := history.NewManager(backend, opts.log()).GetVersionDiff(ctx, from, to, doc)
		if err != nil {
			return WrapEngineError("failed to diff versions", err)
		}

		if opts.Format == "json" {
			return opts.formatter(cmd).Success(map[string]any{
				"doc": doc, "from": from, "to": to, "changes": diffs,
			})
		}
		w := cmd.OutOrStdout()
		if len(diffs) == 0 {
			fmt.Fprintf(w, "No changes between %d and %d\n", from, to)
			return nil
		}
		for _, d := range diffs {
			fmt.Fprintf(w, "%-9s %s\n", d.ChangeType, d.Path)
		}
		return nil
	})
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <doc> <id>",
		Short: "Restore a document to a logged version",
		Long: `Restore a document to a logged version.

The restore is recorded as a new local update, so history is never
rewritten and connected replicas receive it like any other edit.

Example:
  notesync restore workspace:personal 17`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			return runRestore(cmd, rootOpts, args[0], id)
		},
	}
}

func runRestore(cmd *cobra.Command, opts *RootOptions, doc string, id int64) error {
	ctx := commandContext(cmd)
	cfg := opts.Config
	return opts.withBackend(ctx, func(backend store.Backend) error {
		rep, err := replica.Open(ctx, backend, doc,
			replica.WithDevice(replica.Device{ID: cfg.Device.ID, Name: cfg.Device.Name}),
			replica.WithFlushDelay(cfg.PersistDelay),
			replica.WithLogger(opts.log()),
		)
		if err != nil {
			return WrapEngineError("failed to open document", err)
		}

		update, restoreErr := history.NewManager(backend, opts.log()).RestoreVersion(ctx, id, rep)
		if err := rep.Close(ctx); err != nil {
			return WrapEngineError("failed to persist restore", err)
		}
		if restoreErr != nil {
			return WrapEngineError("failed to restore version", restoreErr)
		}

		result := map[string]any{"doc": doc, "version": id, "changed": update != nil, "bytes": len(update)}
		if opts.Format == "json" {
			return opts.formatter(cmd).Success(result)
		}
		if update == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already matches version %d\n", doc, id)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored %s to version %d (%d bytes)\n", doc, id, len(update))
		return nil
	})
}

func parseVersion(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid version %q", s))
	}
	return id, nil
}

func parseVersionPair(from, to string) (int64, int64, error) {
	f, err := parseVersion(from)
	if err != nil {
		return 0, 0, err
	}
	t, err := parseVersion(to)
	if err != nil {
		return 0, 0, err
	}
	return f, t, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
