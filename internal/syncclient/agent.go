package syncclient

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/replica"
)

// AgentOptions configures an Agent.
type AgentOptions struct {
	Client    Options
	Reconcile ReconcileOptions
	// Mode applies to every reconciliation pass. Defaults to Auto.
	Mode        Mode
	NotifyDelay time.Duration

	// OnChange receives every coalesced change notification.
	OnChange func(Change)
	// OnReconcile receives the outcome of every reconciliation pass.
	OnReconcile func(Report, error)
}

// Agent keeps a workspace replica connected to a relay and its local
// files reconciled. A pass runs after every connect and after every burst
// of changes that did not originate locally.
type Agent struct {
	rep    *replica.Replica
	client *Client
	rec    *Reconciler
	opts   AgentOptions
	log    *slog.Logger

	kick chan struct{}
}

// NewAgent wires a Client, a Reconciler writing to target and a Notifier
// around rep.
func NewAgent(relayURL string, rep *replica.Replica, target LocalFiles, opts AgentOptions) *Agent {
	if opts.Client.Logger == nil {
		opts.Client.Logger = slog.Default()
	}
	if opts.Reconcile.Logger == nil {
		opts.Reconcile.Logger = opts.Client.Logger
	}
	a := &Agent{
		rep:  rep,
		rec:  NewReconciler(rep.Workspace(), target, opts.Reconcile),
		opts: opts,
		log:  opts.Client.Logger.With("component", "agent", "doc", rep.Name()),
		kick: make(chan struct{}, 1),
	}
	clientOpts := opts.Client
	onConnect := clientOpts.OnConnect
	clientOpts.OnConnect = func(ctx context.Context) {
		a.schedule()
		if onConnect != nil {
			onConnect(ctx)
		}
	}
	a.client = New(relayURL, rep, clientOpts)
	return a
}

// Client returns the agent's relay client.
func (a *Agent) Client() *Client { return a.client }

// Run syncs and reconciles until ctx is done. It returns nil on
// cancellation and a *RefusedError when the relay refuses the join.
func (a *Agent) Run(ctx context.Context) error {
	n := NewNotifier(a.rep, a.opts.Reconcile.Clock, a.opts.NotifyDelay, a.changed)
	defer n.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.client.Run(gctx) })
	g.Go(func() error { return a.reconcileLoop(gctx) })
	return g.Wait()
}

func (a *Agent) changed(c Change) {
	if a.opts.OnChange != nil {
		a.opts.OnChange(c)
	}
	if c.Origins[crdt.OriginRemote]+c.Origins[crdt.OriginSync] > 0 {
		a.schedule()
	}
}

// schedule requests a pass; requests made while one is queued coalesce.
func (a *Agent) schedule() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *Agent) reconcileLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.kick:
		}
		rep, err := a.rec.Reconcile(ctx, a.opts.Mode)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err != nil:
			a.log.Warn("reconcile failed", "error", err)
		case rep.NeedsManual:
			a.log.Warn("creations withheld, reconcile manually", "skipped", rep.Skipped)
		default:
			a.log.Debug("reconciled", "created", rep.Created, "deleted", rep.Deleted, "batches", rep.Batches)
		}
		if a.opts.OnReconcile != nil {
			a.opts.OnReconcile(rep, err)
		}
	}
}
