package main

import (
	"fmt"
	"strings"

	"civicplan/api/internal/search"
	"civicplan/api/internal/store"
	"github.com/spf13/cobra"
)

func newReindexCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the Meilisearch comment index from the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(e.cfg.MeiliURL) == "" {
				return fmt.Errorf("MEILI_URL is not set")
			}
			db, err := store.Open(cmd.Context(), e.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			meili := search.NewMeili(e.cfg.MeiliURL, e.cfg.MeiliMasterKey, e.logger)
			defer meili.Close()
			if !meili.Healthy() {
				return fmt.Errorf("meilisearch at %s is not reachable", e.cfg.MeiliURL)
			}
			count, err := search.NewService(meili, search.NewPgFTS(db), e.logger).Reindex(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "indexed %d comment(s)\n", count)
			return err
		},
	}
}
