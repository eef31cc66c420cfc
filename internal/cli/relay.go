package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/notesync/internal/relay"
	"github.com/roach88/notesync/internal/replica"
	"github.com/roach88/notesync/internal/store"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Listen string
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the websocket sync relay",
		Long: `Serve the websocket sync relay.

Clients connect to /sync/<doc>. Without a session parameter they join the
persistent global room of the document; with session=new they open an
ephemeral collaboration session, and with session=<code> they join one.

Example:
  notesync relay --listen :8080 --db ./relay.db
  NOTESYNC_DB_DRIVER=postgres NOTESYNC_DB_DSN=postgres://... notesync relay`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")

	return cmd
}

func runRelay(cmd *cobra.Command, opts *RelayOptions) error {
	cfg := opts.Config
	log := opts.log()
	addr := cfg.ListenAddr
	if opts.Listen != "" {
		addr = opts.Listen
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return opts.withBackend(ctx, func(backend store.Backend) error {
		registry := relay.NewRegistry(backend,
			relay.WithLogger(log),
			relay.WithRetention(cfg.Session.Retention),
			relay.WithSweepInterval(cfg.Session.SweepInterval),
			relay.WithWarmCache(cfg.WarmCache.TTL, uint64(cfg.WarmCache.Capacity)),
			relay.WithReplicaOptions(
				replica.WithFlushDelay(cfg.PersistDelay),
				replica.WithLogger(log),
				replica.WithDevice(replica.Device{ID: cfg.Device.ID, Name: cfg.Device.Name}),
			),
		)
		server := relay.NewServer(registry, relay.ServerOptions{
			AllowedOrigins: cfg.AllowedOrigins,
			Logger:         log,
		})

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen", err)
		}
		log.Info("relay starting", "addr", ln.Addr().String(), "driver", cfg.Database.Driver)
		fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s\n", ln.Addr())

		if err := server.Serve(ctx, ln); err != nil && !errors.Is(err, context.Canceled) {
			return WrapExitError(ExitFailure, "relay error", err)
		}
		log.Info("relay stopped gracefully")
		return nil
	})
}
