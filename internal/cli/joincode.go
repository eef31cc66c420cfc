package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/notesync/internal/protocol"
)

// NewJoinCodeCommand creates the join-code command.
func NewJoinCodeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "join-code [code]",
		Short: "Generate or validate a session join code",
		Long: `Without an argument, print a fresh session join code.
With an argument, check that it is a well-formed join code; a malformed
code exits with status 1.

Example:
  notesync join-code
  notesync join-code ABCDEFGH-JKLMNPQR`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			if len(args) == 0 {
				code, err := protocol.GenerateJoinCode()
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to generate join code", err)
				}
				if rootOpts.Format == "json" {
					return f.Success(map[string]string{"code": code})
				}
				fmt.Fprintln(cmd.OutOrStdout(), code)
				return nil
			}

			code := args[0]
			if err := protocol.ValidateJoinCode(code); err != nil {
				if rootOpts.Format == "json" {
					if outErr := f.Error(ErrorCode(err), err.Error(), nil); outErr != nil {
						return outErr
					}
				}
				return WrapEngineError("join code rejected", err)
			}
			if rootOpts.Format == "json" {
				return f.Success(map[string]any{"code": code, "valid": true})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is a valid join code\n", code)
			return nil
		},
	}
}
