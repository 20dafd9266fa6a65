package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/shelfscan/backend/internal/db"
)

func newMigrateCmd(a *app) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or roll back one) local journal schema migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.OutOrStdout(), a.cfg.DataDir, down)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	return cmd
}

func runMigrate(out io.Writer, dataDir string, down bool) error {
	database, err := db.Open(dataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	m := db.NewMigrator(database.DB, db.Migrations())
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	if down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if err != nil {
		return err
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return err
	}
	version, err := m.CurrentVersion()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "schema version %d\n", version)
	for _, mig := range applied {
		fmt.Fprintf(out, "  V%d %s (applied %s)\n", mig.Version, mig.Description, mig.AppliedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
