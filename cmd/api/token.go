package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"civicplan/api/internal/auth"
	"civicplan/api/internal/store"
	"github.com/spf13/cobra"
)

// newTokenCmd issues an access token for a user, creating or updating the
// user record first when --name is given.
func newTokenCmd(e *env) *cobra.Command {
	var (
		user store.User
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(cmd.Context(), e.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()
			users := store.NewPostgresStore(db)

			user.ID = args[0]
			var saved store.User
			if strings.TrimSpace(user.DisplayName) != "" {
				if user.Handle == "" {
					user.Handle = user.ID
				}
				saved, err = users.UpsertUser(cmd.Context(), user)
			} else {
				saved, err = users.GetUserByID(cmd.Context(), user.ID)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("user %s does not exist; pass --name to create it", user.ID)
				}
			}
			if err != nil {
				return err
			}

			if ttl <= 0 {
				ttl = e.cfg.AccessTTL
			}
			token, err := auth.IssueToken([]byte(e.cfg.JWTSecret), saved.ID, saved.DisplayName, saved.Handle, saved.Role, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&user.DisplayName, "name", "", "display name; creates or updates the user")
	cmd.Flags().StringVar(&user.Handle, "handle", "", "@mention handle (defaults to the user id)")
	cmd.Flags().StringVar(&user.Email, "email", "", "email address for offline notifications")
	cmd.Flags().StringVar(&user.Role, "role", "editor", "account role: viewer, editor, owner or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to CIVICPLAN_ACCESS_TTL_SECONDS)")
	return cmd
}
