package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/notebooksync/internal/binding"
	"github.com/mesh-intelligence/notebooksync/internal/notebook"
	"github.com/mesh-intelligence/notebooksync/internal/service"
	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

const defaultViewType = "jupyter-notebook"

type editFlags struct {
	uri      string
	viewType string
	language string
	markup   bool
}

type editReport struct {
	DocumentID string         `json:"documentId"`
	CellID     string         `json:"cellId"`
	Restored   binding.Source `json:"restoredFrom"`
	Created    bool           `json:"created"`
	Version    int64          `json:"version"`
	Queued     bool           `json:"queued"`
}

func newEditCmd(a *app) *cobra.Command {
	var ef editFlags
	cmd := &cobra.Command{
		Use:   "edit <documentID> <cellID> <content>",
		Short: "Set the content of one notebook cell and save it",
		Long: "Open the notebook through the sync service, restore its last state,\n" +
			"replace the content of the cell (appending it when absent) and flush.\n" +
			"When the remote is unreachable the save is queued for replay.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := a.requireUser()
			if err != nil {
				return err
			}
			st, err := a.openStores(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			report, err := a.edit(cmd.Context(), st, user, args[0], args[1], args[2], ef)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.flags.jsonMode {
				return writeJSON(out, report)
			}
			verb := "updated"
			if report.Created {
				verb = "added"
			}
			fmt.Fprintf(out, "%s cell %s in %s (restored from %s)\n", verb, report.CellID, report.DocumentID, report.Restored)
			if report.Queued {
				fmt.Fprintln(out, "remote offline: save queued for replay")
			} else {
				fmt.Fprintf(out, "saved at version %d\n", report.Version)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ef.uri, "uri", "", "document URI (default: the document id)")
	cmd.Flags().StringVar(&ef.viewType, "view-type", defaultViewType, "notebook view type")
	cmd.Flags().StringVar(&ef.language, "language", "python", "language of a new cell")
	cmd.Flags().BoolVar(&ef.markup, "markup", false, "create a new cell as markup")
	return cmd
}

func (a *app) edit(ctx context.Context, st *stores, user, documentID, cellID, content string, ef editFlags) (editReport, error) {
	report := editReport{DocumentID: documentID, CellID: cellID}

	svc, err := service.New(service.Options{
		Remote: st.remote,
		Cache:  st.cache,
		Delay:  a.settings.Sync.GetDebounce(),
		Logger: a.logger,
	})
	if err != nil {
		return report, sysError("%w", err)
	}
	defer svc.Close()

	uri := ef.uri
	if uri == "" {
		uri = documentID
	}
	doc := notebook.New(uri, ef.viewType)
	b, err := svc.Register(doc, binding.Context{UserID: user, DocumentID: documentID, URI: uri})
	if err != nil {
		return report, sysError("register document: %w", err)
	}

	restored, err := b.Restored(ctx)
	if err != nil {
		return report, sysError("restore document: %w", err)
	}
	report.Restored = restored.Source

	if h := doc.HandleOf(cellID); h >= 0 {
		if err := doc.SetCellContent(h, content); err != nil {
			return report, sysError("edit cell: %w", err)
		}
	} else {
		kind := types.CellKindCode
		if ef.markup {
			kind = types.CellKindMarkup
		}
		doc.AppendCell(types.Cell{ID: cellID, Kind: kind, Language: ef.language, Content: content})
		report.Created = true
	}

	if err := svc.Flush(ctx, uri); err != nil {
		return report, sysError("save: %w", err)
	}
	report.Version = b.Version()

	pending, err := st.cache.PendingSnapshots(ctx, user)
	if err != nil {
		return report, sysError("read pending queue: %w", err)
	}
	for _, p := range pending {
		if p.DocumentID == documentID {
			report.Queued = true
			break
		}
	}
	return report, nil
}
