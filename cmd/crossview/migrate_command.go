package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/crossview/internal/reid/storage/sqlite"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the run history schema",
	}
	cmd.AddCommand(
		newMigrateActionCommand(ctx, "up", "Apply all pending migrations", (*sqlite.DB).MigrateUp),
		newMigrateActionCommand(ctx, "down", "Roll back the most recent migration", (*sqlite.DB).MigrateDown),
		&cobra.Command{
			Use:   "version",
			Short: "Show the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRawDB(ctx, func(db *sqlite.DB) error {
					v, dirty, err := db.MigrateVersion()
					if err != nil {
						return err
					}
					if v == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "No migrations applied")
						return nil
					}
					latest, err := sqlite.LatestMigrationVersion()
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d (latest %d)", v, latest)
					if dirty {
						fmt.Fprint(cmd.OutOrStdout(), " dirty")
					}
					fmt.Fprintln(cmd.OutOrStdout())
					return nil
				})
			},
		},
	)
	return cmd
}

func newMigrateActionCommand(ctx *commandContext, use, short string, action func(*sqlite.DB) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRawDB(ctx, func(db *sqlite.DB) error {
				if err := action(db); err != nil {
					return fmt.Errorf("migrate %s: %w", use, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Migrate %s complete\n", use)
				return nil
			})
		},
	}
}

// withRawDB opens --db without migrating it.
func withRawDB(ctx *commandContext, fn func(*sqlite.DB) error) error {
	path := strings.TrimSpace(*ctx.dbFlag)
	if path == "" {
		return errors.New("--db is required")
	}
	db, err := sqlite.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}
