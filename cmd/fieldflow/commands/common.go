// Package commands holds the fieldflow CLI subcommands.
package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/fieldflow/fieldflow/config"
	"github.com/fieldflow/fieldflow/db"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/logger"
	"github.com/fieldflow/fieldflow/spec"
	"github.com/fieldflow/fieldflow/store"
)

// loadTask resolves config and the named task spec. A missing or
// invalid spec is unrecoverable: restarting with the same binary and
// arguments cannot fix it, so the caller reports and exits.
func loadTask(taskName string) (*config.Config, *spec.TaskSpec, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "load configuration")
	}
	s, err := spec.Get(taskName)
	if err != nil {
		return nil, nil, errors.Wrapf(errors.ErrUnrecoverable, "task spec %q: %v", taskName, err)
	}
	return cfg, s, nil
}

// openStore builds the entity store selected by config: the remote REST
// document store, or the embedded SQLite one for single-process runs.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "rest":
		return store.NewREST(cfg.Store.URL), nil
	case "sqlite":
		conn, err := db.OpenWithMigrations(cfg.Store.Path, logger.Named("db"))
		if err != nil {
			return nil, err
		}
		return store.NewSQLite(conn), nil
	default:
		return nil, errors.NewConfigurationError("unknown store driver %q", cfg.Store.Driver)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
