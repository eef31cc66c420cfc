package cli

import (
	"context"
	"fmt"

	"github.com/roach88/notesync/internal/config"
	"github.com/roach88/notesync/internal/pgstore"
	"github.com/roach88/notesync/internal/store"
)

// openBackend opens the storage backend the configuration names.
func openBackend(ctx context.Context, db config.Database) (store.Backend, error) {
	switch db.Driver {
	case "sqlite":
		return store.Open(db.DSN)
	case "postgres":
		var opts []pgstore.Option
		if db.TablePrefix != "" {
			opts = append(opts, pgstore.WithTablePrefix(db.TablePrefix))
		}
		return pgstore.Open(ctx, db.DSN, opts...)
	default:
		return nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
}

// withBackend opens the backend, runs fn and closes it.
func (o *RootOptions) withBackend(ctx context.Context, fn func(store.Backend) error) error {
	backend, err := openBackend(ctx, o.Config.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			o.log().Error("error closing database", "error", closeErr)
		}
	}()
	return fn(backend)
}
