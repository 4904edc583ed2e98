package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/notebooksync/internal/binding"
)

type replayReport struct {
	Queued   int `json:"queued"`
	Replayed int `json:"replayed"`
	Requeued int `json:"requeued"`
}

func newReplayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Deliver queued offline saves to the remote store",
		Long: "Drain the pending queue for the user and replay each snapshot against the\n" +
			"remote in order. Entries that still cannot be delivered are queued again.",
		Args: cobra.NoArgs,
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

			queue, err := st.cache.ConsumePendingSnapshots(cmd.Context(), user)
			if err != nil {
				return sysError("read pending queue: %w", err)
			}
			outcome, err := binding.Replay(cmd.Context(), st.remote, st.cache, queue, nil, a.logger)
			if err != nil {
				return sysError("replay: %w", err)
			}

			report := replayReport{Queued: len(queue), Replayed: outcome.Replayed, Requeued: outcome.Requeued}
			out := cmd.OutOrStdout()
			if a.flags.jsonMode {
				return writeJSON(out, report)
			}
			if report.Queued == 0 {
				fmt.Fprintln(out, "nothing to replay")
				return nil
			}
			fmt.Fprintf(out, "replayed %d of %d queued snapshots", report.Replayed, report.Queued)
			if report.Requeued > 0 {
				fmt.Fprintf(out, ", %d requeued (remote offline)", report.Requeued)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}
