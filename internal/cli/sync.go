package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/notesync/internal/model"
	"github.com/roach88/notesync/internal/protocol"
	"github.com/roach88/notesync/internal/replica"
	"github.com/roach88/notesync/internal/store"
	"github.com/roach88/notesync/internal/syncclient"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Relay   string
	Session string
	Manual  bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <workspace-doc>",
		Short: "Keep a workspace in sync with a relay",
		Long: `Keep a workspace replica connected to a relay and reconcile the file
index after every connect and every burst of remote changes.

In the default mode a pass that would create more entries than the
configured threshold creates none; --manual lifts the limit.

Example:
  notesync sync workspace:personal --relay https://relay.example.com
  notesync sync workspace:personal --session new
  notesync sync workspace:personal --session ABCDEFGH-JKLMNPQR --manual`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Relay, "relay", "", "relay URL (overrides config)")
	cmd.Flags().StringVar(&opts.Session, "session", "", `session to join: "new" or a join code (default global room)`)
	cmd.Flags().BoolVar(&opts.Manual, "manual", false, "create missing entries regardless of the threshold")

	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions, doc string) error {
	kind, workspaceID := model.ParseDocName(doc)
	if kind != model.KindWorkspace {
		return NewExitError(ExitCommandError, fmt.Sprintf("not a workspace document: %q", doc))
	}
	if opts.Session != "" && opts.Session != "new" {
		if err := protocol.ValidateJoinCode(opts.Session); err != nil {
			return WrapEngineError("invalid session", err)
		}
	}
	cfg := opts.Config
	log := opts.log()
	relayURL := cfg.RelayURL
	if opts.Relay != "" {
		relayURL = opts.Relay
	}
	mode := syncclient.Auto
	if opts.Manual {
		mode = syncclient.Manual
	}
	reconcileDelay := cfg.Reconcile.Delay
	if reconcileDelay == 0 {
		reconcileDelay = -1
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return opts.withBackend(ctx, func(backend store.Backend) error {
		rep, err := replica.Open(ctx, backend, doc,
			replica.WithFlushDelay(cfg.PersistDelay),
			replica.WithLogger(log),
			replica.WithDevice(replica.Device{ID: cfg.Device.ID, Name: cfg.Device.Name}),
		)
		if err != nil {
			return WrapEngineError("failed to open replica", err)
		}
		defer func() {
			if err := rep.Close(context.WithoutCancel(ctx)); err != nil {
				log.Warn("closing replica", "doc", doc, "error", err)
			}
		}()

		out := &lockedWriter{w: cmd.OutOrStdout()}
		agent := syncclient.NewAgent(relayURL, rep, syncclient.NewIndexTarget(backend), syncclient.AgentOptions{
			Client: syncclient.Options{
				Session:     opts.Session,
				WorkspaceID: workspaceID,
				Logger:      log,
				OnControl: func(m protocol.ControlMessage) {
					if created, ok := m.(protocol.SessionCreated); ok {
						out.printf("Session join code: %s\n", created.JoinCode)
					}
				},
			},
			Reconcile: syncclient.ReconcileOptions{
				BatchSize: cfg.Reconcile.BatchSize,
				Delay:     reconcileDelay,
				Threshold: cfg.Reconcile.Threshold,
				Logger:    log,
			},
			Mode:        mode,
			NotifyDelay: cfg.NotifyDelay,
			OnChange: func(c syncclient.Change) {
				log.Debug("workspace changed", "doc", doc, "updates", c.Updates)
			},
			OnReconcile: func(r syncclient.Report, err error) {
				if err != nil {
					out.printf("Reconcile failed: %v\n", err)
					return
				}
				out.printf("Reconciled %s: %d created, %d deleted in %d batches\n", doc, r.Created, r.Deleted, r.Batches)
				if r.NeedsManual {
					out.printf("%d creations withheld; rerun with --manual to create them\n", r.Skipped)
				}
			},
		})

		out.printf("Syncing %s via %s\n", doc, relayURL)
		err = agent.Run(ctx)
		var refused *syncclient.RefusedError
		switch {
		case errors.As(err, &refused):
			return WrapExitError(ExitFailure, "sync refused", err)
		case err != nil:
			return WrapExitError(ExitFailure, "sync error", err)
		}
		log.Info("sync stopped", "doc", doc)
		return nil
	})
}

// lockedWriter serializes output from the agent's callbacks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}
