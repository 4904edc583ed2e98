package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <documentID>",
		Short: "Print the cached snapshot of a notebook as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := a.requireUser()
			if err != nil {
				return err
			}
			cache, closeCache, err := openCache(a.settings.Cache)
			if err != nil {
				return sysError("open cache: %w", err)
			}
			defer closeCache()

			snap, err := cache.GetNotebook(cmd.Context(), user, args[0])
			if err != nil {
				return sysError("read cache: %w", err)
			}
			if snap == nil {
				return userError("no cached notebook %q for user %s", args[0], user)
			}
			if err := writeJSON(cmd.OutOrStdout(), snap); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			return nil
		},
	}
}
