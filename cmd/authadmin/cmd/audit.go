package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openquill/go-auth-backend/internal/domain"
	"github.com/openquill/go-auth-backend/internal/service"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and verify audit chains",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <user-id>",
	Short: "Verify a user's audit chain from genesis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		audit := service.NewAuditService(store, quietLogger())
		report, err := audit.VerifyChain(cmd.Context(), domain.UserIDFromString(args[0]))
		if err != nil {
			return err
		}

		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		if !report.Valid {
			os.Exit(2)
		}
		return nil
	},
}

var auditListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "Print a user's audit chain in append order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		audit := service.NewAuditService(store, quietLogger())
		entries, err := audit.GetAllByUser(cmd.Context(), domain.UserIDFromString(args[0]))
		if err != nil {
			return err
		}

		for _, entry := range entries {
			line, _ := json.Marshal(entry)
			fmt.Println(string(line))
		}
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditListCmd)
	rootCmd.AddCommand(auditCmd)
}
