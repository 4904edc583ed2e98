package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/notebooksync/internal/paths"
	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize nbsync configuration and cache",
		Long:  "Create the configuration and data directories, write a default config.yaml,\nthen initialize the local cache.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, closeCache, err := openCache(a.settings.Cache)
			if err != nil {
				return sysError("initialize cache: %w", err)
			}
			if err := closeCache(); err != nil {
				return sysError("finalize cache: %w", err)
			}

			out := cmd.OutOrStdout()
			if a.flags.jsonMode {
				return writeJSON(out, map[string]string{
					"config": configFilePath(a.configDir),
					"data":   a.settings.Cache.DataDir,
					"cache":  a.settings.Cache.Backend,
				})
			}
			fmt.Fprintln(out, "nbsync initialized")
			fmt.Fprintf(out, "  config: %s\n", configFilePath(a.configDir))
			if a.settings.Cache.Backend == types.CacheSQLite {
				fmt.Fprintf(out, "  cache:  %s\n", paths.CacheDir(a.settings.Cache.DataDir))
			} else {
				fmt.Fprintf(out, "  cache:  %s (not persisted)\n", a.settings.Cache.Backend)
			}
			return nil
		},
	}
}
