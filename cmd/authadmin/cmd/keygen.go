package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openquill/go-auth-backend/pkg/tokencipher"
)

var keygenAlgorithm string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a token cipher key",
	Long: `Generate a fresh 32-byte cipher key and print the YAML snippet to add
to the cipher key set. Rotate by adding the new key, flipping active_key_id,
and removing the old key once no live token can still reference it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if keygenAlgorithm != tokencipher.AlgAESGCM && keygenAlgorithm != tokencipher.AlgXChaCha {
			return fmt.Errorf("unknown algorithm %q", keygenAlgorithm)
		}

		material := make([]byte, tokencipher.KeySize)
		if _, err := rand.Read(material); err != nil {
			return fmt.Errorf("failed to generate key material: %w", err)
		}

		id := uuid.New().String()
		fmt.Printf("cipher:\n")
		fmt.Printf("  keys:\n")
		fmt.Printf("    - id: %q\n", id)
		fmt.Printf("      material: %q\n", base64.StdEncoding.EncodeToString(material))
		fmt.Printf("      algorithm: %q\n", keygenAlgorithm)
		fmt.Printf("  active_key_id: %q\n", id)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenAlgorithm, "algorithm", tokencipher.AlgAESGCM, "Key algorithm (aes-256-gcm or xchacha20-poly1305)")
	rootCmd.AddCommand(keygenCmd)
}
