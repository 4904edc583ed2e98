package cli

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// notebookStatus is one row of the status report.
type notebookStatus struct {
	DocumentID string `json:"documentId"`
	URI        string `json:"uri,omitempty"`
	Version    int64  `json:"version"`
	UpdatedAt  int64  `json:"updatedAt"`
	Cells      int    `json:"cells"`
	Pending    int    `json:"pending"`
}

type statusReport struct {
	User      string           `json:"user"`
	Remote    string           `json:"remote"`
	Reachable bool             `json:"reachable"`
	Notebooks []notebookStatus `json:"notebooks"`
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cached notebooks and queued offline saves",
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

			report, err := buildStatus(cmd.Context(), st, user)
			if err != nil {
				return sysError("%w", err)
			}
			report.Remote = a.settings.Remote.Backend

			out := cmd.OutOrStdout()
			if a.flags.jsonMode {
				return writeJSON(out, report)
			}
			reach := "reachable"
			if !report.Reachable {
				reach = "offline"
			}
			fmt.Fprintf(out, "user %s, remote %s (%s)\n", report.User, report.Remote, reach)
			if len(report.Notebooks) == 0 {
				fmt.Fprintln(out, "no cached notebooks")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DOCUMENT\tVERSION\tCELLS\tPENDING\tURI")
			for _, n := range report.Notebooks {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", n.DocumentID, n.Version, n.Cells, n.Pending, n.URI)
			}
			return tw.Flush()
		},
	}
}

// buildStatus lists the user's cached notebooks with their pending counts.
// Queued snapshots for documents with no cached copy get a row of their own.
func buildStatus(ctx context.Context, st *stores, user string) (statusReport, error) {
	report := statusReport{User: user}

	cached, err := st.cache.ListNotebooks(ctx, user)
	if err != nil {
		return report, fmt.Errorf("list notebooks: %w", err)
	}
	pending, err := st.cache.PendingSnapshots(ctx, user)
	if err != nil {
		return report, fmt.Errorf("list pending: %w", err)
	}

	rows := make(map[string]*notebookStatus, len(cached))
	for _, n := range cached {
		rows[n.DocumentID] = &notebookStatus{
			DocumentID: n.DocumentID,
			URI:        n.URI,
			Version:    n.Version,
			UpdatedAt:  n.UpdatedAt,
			Cells:      len(n.Cells),
		}
	}
	for _, p := range pending {
		row, ok := rows[p.DocumentID]
		if !ok {
			row = &notebookStatus{DocumentID: p.DocumentID, URI: p.URI, Version: p.Version, UpdatedAt: p.UpdatedAt, Cells: len(p.Cells)}
			rows[p.DocumentID] = row
		}
		row.Pending++
	}

	report.Notebooks = make([]notebookStatus, 0, len(rows))
	for _, row := range rows {
		report.Notebooks = append(report.Notebooks, *row)
	}
	sort.Slice(report.Notebooks, func(i, j int) bool {
		return report.Notebooks[i].DocumentID < report.Notebooks[j].DocumentID
	})

	_, err = st.remote.GetSession(ctx, user)
	switch {
	case err == nil:
		report.Reachable = true
	case types.IsOffline(err):
	default:
		return report, fmt.Errorf("checking remote: %w", err)
	}
	return report, nil
}
