package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

var hashSecretSHA256 bool

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret [client-secret]",
	Short: "Generate a hash for a revocation client secret",
	Long: `Generate an argon2id hash of a client secret for use in config.

The output can be used directly as a value in revocation.clients.
Pass --sha256 to emit the legacy "sha256:<hex>" format instead.

Example:
  datagate hash-secret "my-client-secret"

Security note: The secret will appear in shell history.
Consider clearing history after use or using an environment variable:
  datagate hash-secret "$MY_CLIENT_SECRET"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := args[0]
		if hashSecretSHA256 {
			sum := sha256.Sum256([]byte(secret))
			fmt.Printf("sha256:%s\n", hex.EncodeToString(sum[:]))
			return nil
		}
		hash, err := argon2id.CreateHash(secret, argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("hash secret: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	hashSecretCmd.Flags().BoolVar(&hashSecretSHA256, "sha256", false, "emit legacy sha256:<hex> format")
	rootCmd.AddCommand(hashSecretCmd)
}
