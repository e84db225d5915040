package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openquill/go-auth-backend/internal/domain"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage refresh sessions",
}

var sessionsRevokeAllCmd = &cobra.Command{
	Use:   "revoke-all <user-id>",
	Short: "Revoke every session a user holds",
	Long: `Emergency revocation: marks all of the user's refresh sessions revoked
and removes their step-up grants. Access tokens already issued stay valid
until they expire.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		userID := domain.UserIDFromString(args[0])
		count, err := store.Sessions().RevokeAllForUser(cmd.Context(), userID.String())
		if err != nil {
			return err
		}
		if err := store.Grants().DeleteAllForUser(cmd.Context(), userID.String()); err != nil {
			return err
		}

		fmt.Printf("revoked %d session(s) for %s\n", count, userID.String())
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsRevokeAllCmd)
	rootCmd.AddCommand(sessionsCmd)
}
