package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var errNothingEncrypted = errors.New("nothing is stored encrypted yet, the passphrase is chosen on install or recovery")

func newPassphraseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passphrase",
		Short: "Manage the store passphrase",
		Long: `The store passphrase encrypts the AWS credentials, the server key pair, the
wallet seed and the vault root token. It is chosen on the first install or
on account recovery.`,
	}
	cmd.AddCommand(newPassphraseChangeCommand())
	cmd.AddCommand(newPassphraseVerifyCommand())
	return cmd
}

func newPassphraseChangeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "change",
		Short: "Re-encrypt the store under a new passphrase",
		Long: `Re-encrypt every encrypted value under a new passphrase. The current values
are read first, so a failure leaves the store as it was.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			main, err := a.main(ctx)
			if err != nil {
				return err
			}
			stored, err := main.HasEncryptedData(ctx)
			if err != nil {
				return err
			}
			if !stored {
				return errNothingEncrypted
			}
			if err := a.unlock(ctx, main); err != nil {
				return err
			}

			next, err := readNewSecret("New passphrase: ")
			if err != nil {
				return err
			}
			if err := main.SetNewPassword(ctx, next, true); err != nil {
				return fmt.Errorf("failed to change passphrase: %w", err)
			}
			a.audit(ctx, "passphrase.changed", main.Namespace(), nil)

			fmt.Fprintln(out, "✓ Passphrase changed")
			if os.Getenv(passphraseEnv) != "" {
				fmt.Fprintf(out, "  Update $%s before the next run.\n", passphraseEnv)
			}
			return nil
		},
	}
	return cmd
}

func newPassphraseVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a passphrase against the encrypted store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			main, err := a.main(ctx)
			if err != nil {
				return err
			}
			stored, err := main.HasEncryptedData(ctx)
			if err != nil {
				return err
			}
			if !stored {
				return errNothingEncrypted
			}

			passphrase := os.Getenv(passphraseEnv)
			if passphrase == "" {
				if passphrase, err = readSecret("Passphrase: "); err != nil {
					return err
				}
			}
			if !main.IsPassphraseValid(ctx, passphrase) {
				return errors.New("passphrase does not open the store")
			}
			fmt.Fprintln(out, "✓ Passphrase opens the store")
			return nil
		},
	}
	return cmd
}
