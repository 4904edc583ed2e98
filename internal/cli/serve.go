package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/notebooksync/internal/memory"
	"github.com/mesh-intelligence/notebooksync/internal/remotehttp"
	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a remote document store over HTTP",
		Long: "Serve the versioned remote store that the http remote backend talks to.\n" +
			"The store is in-memory by default; set serve.store to postgres and\n" +
			"serve.database_url to persist it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.settings.Serve.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default serve.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string) error {
	var store types.RemoteStore
	switch a.settings.Serve.Store {
	case "", types.RemoteMemory:
		store = memory.NewRemote()
	case types.RemotePostgres:
		if a.settings.Serve.DatabaseURL == "" {
			return userError("serve.database_url is required for the postgres store")
		}
		pg, closePG, err := a.openPostgres(ctx, a.settings.Serve.DatabaseURL, a.settings.Remote.TablePrefix)
		if err != nil {
			return sysError("open postgres: %w", err)
		}
		defer closePG()
		store = pg
	default:
		return userError("unknown serve.store %q", a.settings.Serve.Store)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           remotehttp.NewServer(store, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("remote store listening", "addr", addr, "store", a.settings.Serve.Store)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return sysError("serve: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return sysError("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return sysError("serve: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}
