package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/notebooksync/internal/service"
)

func newRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Print the most recently opened notebook session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, err := a.requireUser()
			if err != nil {
				return err
			}
			st, err := a.openStores(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			svc, err := service.New(service.Options{Remote: st.remote, Cache: st.cache, Logger: a.logger})
			if err != nil {
				return sysError("%w", err)
			}
			defer svc.Close()

			session, err := svc.RestoreLastSession(cmd.Context(), user)
			if err != nil {
				return sysError("%w", err)
			}

			out := cmd.OutOrStdout()
			if a.flags.jsonMode {
				return writeJSON(out, session)
			}
			if session == nil {
				fmt.Fprintf(out, "no session recorded for user %s\n", user)
				return nil
			}
			opened := time.UnixMilli(session.LastOpened).Format(time.RFC3339)
			fmt.Fprintf(out, "%s\n  document: %s\n  session:  %s\n  opened:   %s\n", session.URI, session.DocumentID, session.SessionID, opened)
			return nil
		},
	}
}
