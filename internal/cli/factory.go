package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/notebooksync/internal/guard"
	"github.com/mesh-intelligence/notebooksync/internal/memory"
	"github.com/mesh-intelligence/notebooksync/internal/paths"
	"github.com/mesh-intelligence/notebooksync/internal/postgres"
	"github.com/mesh-intelligence/notebooksync/internal/remotehttp"
	"github.com/mesh-intelligence/notebooksync/internal/sqlite"
	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// stores holds the opened cache and guarded remote for one command.
type stores struct {
	cache  types.CacheStore
	remote *guard.Remote
	closer []func() error
}

// Close releases both stores in reverse order of opening.
func (s *stores) Close() error {
	var errs []error
	for i := len(s.closer) - 1; i >= 0; i-- {
		errs = append(errs, s.closer[i]())
	}
	return errors.Join(errs...)
}

// openStores opens the configured cache and remote.
func (a *app) openStores(ctx context.Context) (*stores, error) {
	s := &stores{}

	cache, closeCache, err := openCache(a.settings.Cache)
	if err != nil {
		return nil, sysError("open cache: %w", err)
	}
	s.cache = cache
	s.closer = append(s.closer, closeCache)

	remote, closeRemote, err := a.openRemote(ctx, a.settings.Remote)
	if err != nil {
		_ = s.Close()
		return nil, sysError("open remote: %w", err)
	}
	s.remote = guard.New(remote, guard.Options{
		Timeout:      a.settings.Remote.Timeout,
		Threshold:    a.settings.Remote.BreakerThreshold,
		ResetTimeout: a.settings.Remote.BreakerReset,
		Logger:       a.logger,
	})
	s.closer = append(s.closer, closeRemote)
	return s, nil
}

// openCache attaches the configured cache. The sqlite cache lives in the
// cache subdirectory of the data dir.
func openCache(cfg types.CacheConfig) (types.CacheStore, func() error, error) {
	switch cfg.Backend {
	case types.CacheMemory:
		return memory.NewCache(), func() error { return nil }, nil
	case types.CacheSQLite:
		cfg.DataDir = paths.CacheDir(cfg.DataDir)
		backend := sqlite.NewBackend()
		if err := backend.Attach(cfg); err != nil {
			return nil, nil, err
		}
		return backend, backend.Detach, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", types.ErrBackendUnknown, cfg.Backend)
	}
}

// openRemote opens the unguarded remote named by cfg.
func (a *app) openRemote(ctx context.Context, cfg types.RemoteConfig) (types.RemoteStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case types.RemoteMemory:
		return memory.NewRemote(), noop, nil
	case types.RemoteHTTP:
		return remotehttp.NewClient(cfg.URL, nil), noop, nil
	case types.RemotePostgres:
		store, closeStore, err := a.openPostgres(ctx, cfg.URL, cfg.TablePrefix)
		if err != nil {
			return nil, nil, err
		}
		return store, closeStore, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", types.ErrBackendUnknown, cfg.Backend)
	}
}

// openPostgres connects, creates the schema if needed and returns the store.
func (a *app) openPostgres(ctx context.Context, databaseURL, tablePrefix string) (*postgres.Store, func() error, error) {
	pool, err := postgres.CreateConnectionPool(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := postgres.NewStore(postgres.Config{Pool: pool, TablePrefix: tablePrefix, Logger: a.logger})
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, func() error { pool.Close(); return nil }, nil
}
