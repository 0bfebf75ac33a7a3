package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"evalgo.org/lares/internal/sshexec"
)

var generateKeyCmd = &cobra.Command{
	Use:   "generate-key",
	Short: "Generate the server SSH keypair if it does not exist",
	Long: `Generate the RSA keypair the server uses to authenticate as the
managed admin user. Running against an existing keypair is a no-op. Only the
public key is printed; the private key never leaves the key file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.SSH.KeyPath
		if path == "" {
			path = sshexec.DefaultKeyPath()
		}
		keys, err := sshexec.EnsureKeypair(path)
		if err != nil {
			return fmt.Errorf("generate keypair: %w", err)
		}
		fmt.Printf("key: %s\n", path)
		fmt.Printf("public key: %s\n", strings.TrimSpace(keys.AuthorizedKeysLine("")))
		return nil
	},
}
