package commands

import (
	"errors"
	"sync"

	"github.com/systmms/securestore/internal/app"
	"github.com/systmms/securestore/internal/config"
	sserrors "github.com/systmms/securestore/internal/errors"
	"github.com/systmms/securestore/internal/kvstore"
)

// Runtime builds the component graph once per invocation and hands it to
// every subcommand.
type Runtime struct {
	Config  *config.Config
	Options app.Options

	once sync.Once
	wire *app.Wire
	err  error
}

// Wire loads the configuration if needed and returns the assembled graph.
func (r *Runtime) Wire() (*app.Wire, error) {
	r.once.Do(func() {
		if r.Config.Definition == nil {
			if err := r.Config.Load(); err != nil {
				r.err = err
				return
			}
		}
		if r.Options.Logger == nil {
			r.Options.Logger = r.Config.Logger
		}
		r.wire, r.err = app.NewWire(r.Config.Definition, r.Options)
	})
	return r.wire, r.err
}

// store opens name in the global scope or the configured user's scope.
func (r *Runtime) store(name string) (*kvstore.Store, error) {
	w, err := r.Wire()
	if err != nil {
		return nil, err
	}
	var s *kvstore.Store
	if r.Config.Global {
		s, err = w.Stores.SharedGlobal(name)
	} else {
		s, err = w.Stores.Shared(name)
	}
	if err != nil {
		return nil, storeError(name, err)
	}
	return s, nil
}

// storeError turns registry failures into user-facing errors.
func storeError(name string, err error) error {
	switch {
	case errors.Is(err, kvstore.ErrInvalidName):
		return sserrors.UserError{
			Message:    "Invalid store name: " + name,
			Suggestion: "Use 1-96 letters, digits or underscores",
			Err:        err,
		}
	case errors.Is(err, kvstore.ErrNoCurrentUser):
		return sserrors.UserError{
			Message:    "No user configured",
			Suggestion: "Add a 'user' section to securestore.yaml or pass --global",
			Err:        err,
		}
	case errors.Is(err, kvstore.ErrStoreUnavailable):
		return sserrors.UserError{
			Message:    "Store " + name + " is unavailable",
			Details:    err.Error(),
			Suggestion: "Check that the system keyring is unlocked and run with --debug for details",
			Err:        err,
		}
	}
	return sserrors.SimplifyError(err)
}
