package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mescon/stallarr/internal/crypto"
)

func newEncryptCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [value]",
		Short: "Encrypt a secret for use in the environment or .env file",
		Long: `Encrypt a secret (API key, notification token, password) with the key given by
--encryption-key or STALLARR_ENCRYPTION_KEY. The output starts with enc:v1: and
can be used wherever the plain value was accepted. Without an argument the value
is read from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := opts.encryptionKey
			if passphrase == "" {
				passphrase = os.Getenv("STALLARR_ENCRYPTION_KEY")
			}
			keys, err := crypto.NewKeyManager(passphrase)
			if err != nil {
				return err
			}
			if !keys.HasKey() {
				return errors.New("no encryption key: pass --encryption-key or set STALLARR_ENCRYPTION_KEY")
			}

			value := ""
			if len(args) == 1 {
				value = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read value from stdin: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return errors.New("nothing to encrypt")
			}

			encrypted, err := keys.Encrypt(value)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), encrypted)
			return nil
		},
	}
}
