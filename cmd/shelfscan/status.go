package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/shelfscan/backend/internal/db"
	"github.com/kimhsiao/shelfscan/backend/internal/savequeue"
)

func newStatusCmd(a *app) *cobra.Command {
	var showFailed bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show journaled save queue counts without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), a.cfg.DataDir, showFailed)
		},
	}
	cmd.Flags().BoolVar(&showFailed, "failed", false, "list failed items")
	return cmd
}

func runStatus(ctx context.Context, out io.Writer, dataDir string, showFailed bool) error {
	database, err := db.Open(dataDir)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.Migrate(database.DB); err != nil {
		return err
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	counts, err := repo.CountSaveQueueByStatus(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	total := 0
	for _, s := range []savequeue.Status{
		savequeue.StatusPending, savequeue.StatusSaving, savequeue.StatusSaved,
		savequeue.StatusQueued, savequeue.StatusFailed,
	} {
		fmt.Fprintf(tw, "%s\t%d\n", s, counts[string(s)])
		total += counts[string(s)]
	}
	fmt.Fprintf(tw, "total\t%d\n", total)
	if err := tw.Flush(); err != nil {
		return err
	}

	if !showFailed || counts[string(savequeue.StatusFailed)] == 0 {
		return nil
	}

	records, err := repo.ListSaveQueueRecords(ctx, string(savequeue.StatusFailed))
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tBARCODE\tATTEMPTS\tLAST ERROR")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", rec.ID, rec.Name, rec.Barcode, rec.Attempts, rec.LastError)
	}
	return tw.Flush()
}
