package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicetalk/internal/conversation"
)

func migrateCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the conversation schema",
		Long: `Applies the schema for the configured store.

DATABASE_URL selects postgres, SQLITE_PATH selects sqlite (goose migrations).
With neither set there is nothing to migrate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := st.cfg
			backend := conversation.BackendName(cfg.DatabaseURL, cfg.SQLitePath)
			if backend == "memory" {
				fmt.Fprintln(cmd.OutOrStdout(), "no persistent store configured; nothing to migrate")
				return nil
			}
			store, err := conversation.NewStore(cmd.Context(), cfg.DatabaseURL, cfg.SQLitePath)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", backend, err)
			}
			store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", backend)
			return nil
		},
	}
}
