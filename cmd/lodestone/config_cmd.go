package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lodestone/internal/domain"
	"lodestone/internal/infra/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "encrypt <value>",
		Short: "Encrypt a value for plugins.custom with LODESTONE_CONFIG_KEY",
		Long: `Prints an enc: value that lodestone decrypts when loading the config, so
plugin secrets such as API tokens need not be stored in plain text:

  LODESTONE_CONFIG_KEY=... lodestone config encrypt "s3cret"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv(config.ConfigKeyEnv)
			if passphrase == "" {
				return fmt.Errorf("%w: %s is not set", domain.ErrEncryption, config.ConfigKeyEnv)
			}
			enc, err := config.EncryptValue(args[0], passphrase)
			if err != nil {
				return fmt.Errorf("%w: %v", domain.ErrEncryption, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "enc:"+enc)
			return nil
		},
	})
	return cmd
}
