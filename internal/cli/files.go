package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/notesync/internal/store"
)

// FilesOptions holds flags for the files command.
type FilesOptions struct {
	*RootOptions
	All bool
}

// FileView is one file index row as printed.
type FileView struct {
	Path       string `json:"path"`
	Title      string `json:"title"`
	ParentPath string `json:"parent_path,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
	ModifiedAt int64  `json:"modified_at"`
}

// NewFilesCommand creates the files command.
func NewFilesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FilesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List the derived file index",
		Long: `List the file index derived from the workspace documents.

By default only live entries are shown; --all includes tombstones.

Example:
  notesync files
  notesync files --all --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFiles(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "include deleted entries")

	return cmd
}

func runFiles(cmd *cobra.Command, opts *FilesOptions) error {
	ctx := commandContext(cmd)
	return opts.withBackend(ctx, func(backend store.Backend) error {
		query := backend.QueryActiveFiles
		if opts.All {
			query = backend.QueryAllFiles
		}
		rows, err := query(ctx)
		if err != nil {
			return WrapEngineError("failed to query file index", err)
		}

		views := make([]FileView, len(rows))
		for i, r := range rows {
			views[i] = FileView(r)
		}
		if opts.Format == "json" {
			return opts.formatter(cmd).Success(map[string]any{"files": views})
		}
		w := cmd.OutOrStdout()
		if len(views) == 0 {
			fmt.Fprintln(w, "No files")
			return nil
		}
		for _, v := range views {
			marker := ""
			if v.Deleted {
				marker = " (deleted)"
			}
			fmt.Fprintf(w, "%s%s\n", v.Path, marker)
		}
		return nil
	})
}
