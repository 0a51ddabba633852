// Package app assembles the credential, key and store layers from a
// loaded configuration.
package app

import (
	"fmt"

	"github.com/systmms/securestore/internal/config"
	"github.com/systmms/securestore/internal/credential"
	"github.com/systmms/securestore/internal/keygen"
	"github.com/systmms/securestore/internal/kvstore"
	"github.com/systmms/securestore/internal/logging"
	"github.com/systmms/securestore/internal/metrics"
	"github.com/systmms/securestore/pkg/account"
)

// Wire bundles every component the CLI needs.
type Wire struct {
	Definition  *config.Definition
	Primitive   credential.Primitive
	Credentials *credential.Manager
	Keys        *keygen.Generator
	Stores      *kvstore.Registry
	Users       account.Provider
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
}

// Options overrides parts of the dependency graph, mainly for tests.
type Options struct {
	// Backend replaces the platform primitive chosen by the definition.
	Backend credential.Primitive
	// Users replaces the provider built from the definition's user.
	Users   account.Provider
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// NewWire constructs the dependency graph from def.
func NewWire(def *config.Definition, opts Options) (*Wire, error) {
	if def == nil {
		def = config.Default()
	}
	log := logging.OrNop(opts.Logger)

	base := opts.Backend
	if base == nil {
		switch def.Backend {
		case config.BackendKeyring, "":
			base = credential.NewKeyringBackend(def.Namespace)
		case config.BackendMemory:
			base = credential.NewMemoryBackend()
		default:
			return nil, fmt.Errorf("unknown credential backend %q", def.Backend)
		}
	}

	accessibility := credential.Accessibility(def.Credentials.Accessibility)
	if accessibility != "" && !accessibility.Valid() {
		return nil, fmt.Errorf("unknown accessibility %q", accessibility)
	}

	scoped := credential.NewScoped(base, def.Tag)
	creds := credential.NewManager(scoped, credential.ManagerOptions{
		AccessGroup:     def.Credentials.AccessGroup,
		Accessibility:   accessibility,
		CacheEnabled:    def.Credentials.CacheEnabled(),
		Logger:          log,
		Metrics:         opts.Metrics,
		ManagedServices: def.Credentials.ManagedServices,
	})

	keys := keygen.New(creds, base, log).WithMetrics(opts.Metrics)

	users := opts.Users
	if users == nil {
		users = account.Static{User: def.User}
	}

	stores, err := kvstore.NewRegistry(kvstore.RegistryOptions{
		Root:     def.Root,
		Keys:     keys,
		Users:    users,
		KeyLabel: def.KeyLabel,
		Logger:   log,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Wire{
		Definition:  def,
		Primitive:   scoped,
		Credentials: creds,
		Keys:        keys,
		Stores:      stores,
		Users:       users,
		Metrics:     opts.Metrics,
		Logger:      log,
	}, nil
}
