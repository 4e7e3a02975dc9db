package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sebastianm/devbox/internal/auth"
	"github.com/sebastianm/devbox/internal/config"
	"github.com/sebastianm/devbox/internal/database"
)

// tokenCmd manages API tokens by writing to the server database directly.
// It runs on the server host; the API has no token endpoints.
func tokenCmd(g *globals) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and revoke API tokens (server host only)",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default from $"+config.EnvPath+" config)")

	var label string
	create := &cobra.Command{
		Use:   "create USER",
		Short: "Issue a token for USER, creating the user if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withDB(c.Context(), dbPath, func(db *sql.DB) error {
				token, err := auth.NewSQLLookup(db).IssueToken(c.Context(), args[0], label)
				if err != nil {
					return err
				}
				fmt.Fprintln(g.out, token)
				return nil
			})
		},
	}
	create.Flags().StringVar(&label, "label", "", "Label shown by whoami")

	revoke := &cobra.Command{
		Use:   "revoke TOKEN",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withDB(c.Context(), dbPath, func(db *sql.DB) error {
				return auth.NewSQLLookup(db).RevokeToken(c.Context(), args[0])
			})
		},
	}

	cmd.AddCommand(create, revoke)
	return cmd
}

func withDB(ctx context.Context, path string, fn func(*sql.DB) error) error {
	if path == "" {
		cfg, err := config.Parse()
		if err != nil {
			return err
		}
		if path, err = cfg.DBPath(); err != nil {
			return err
		}
	}
	db, err := database.Open(ctx, path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	return fn(db)
}
