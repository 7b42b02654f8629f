package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stakehost/stakehost/pkg/api"
	"github.com/stakehost/stakehost/pkg/keymanager"
)

func newAccountCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage validator accounts",
	}
	cmd.AddCommand(newAccountSeedCommand())
	cmd.AddCommand(newAccountCreateCommand())
	cmd.AddCommand(newAccountRecoverCommand())
	cmd.AddCommand(newAccountListCommand())
	cmd.AddCommand(newAccountDepositDataCommand())
	return cmd
}

func newAccountSeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate the wallet seed",
		Long: fmt.Sprintf(`Generate a new %d-word mnemonic and store the wallet seed derived from it.
The mnemonic is printed once and never stored: write it down, it is the only
way to recover the accounts. On a fresh store this also chooses the
passphrase.`, keymanager.MnemonicWords),
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
			if err := a.unlock(ctx, main); err != nil {
				return err
			}
			mnemonic, err := a.services(main).accounts.GenerateSeed(ctx)
			if err != nil {
				return err
			}
			a.audit(ctx, "seed.generated", main.Namespace(), nil)

			if jsonOutput {
				return writeJSON(out, map[string]string{"mnemonic": mnemonic})
			}
			fmt.Fprintln(out, "✓ Seed stored")
			fmt.Fprintln(out, "  Write down the mnemonic, it will not be shown again:")
			fmt.Fprintf(out, "\n  %s\n\n", mnemonic)
			return nil
		},
	}
	return cmd
}

func newAccountCreateCommand() *cobra.Command {
	var network string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a validator account",
		Long: `Derive the next validator account on a network, push the wallet storage to
the key vault and register the account with the backend. When registration
fails the account is removed again.`,
		Example: `  stakehost account create --network prater`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if network == "" {
				network = a.settings.KeyVault.Networks[0]
			}
			b, err := a.unlockedBuilder(ctx, out)
			if err != nil {
				return err
			}
			p, err := b.NewAccountCreate(ctx, network)
			if err != nil {
				return err
			}
			return a.run(ctx, p, out)
		},
	}

	cmd.Flags().StringVarP(&network, "network", "n", "", "network (default: first configured network)")
	return cmd
}

func newAccountRecoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Recover accounts from a mnemonic",
		Long: fmt.Sprintf(`Recover the validator accounts registered with the backend from the
%d-word mnemonic. The local store is reset to the recovered seed and the new
passphrase replaces the old one.`, keymanager.MnemonicWords),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			mnemonic, err := readSecret("Mnemonic: ")
			if err != nil {
				return err
			}
			if mnemonic, err = keymanager.NormalizeMnemonic(mnemonic); err != nil {
				return err
			}
			password, err := readNewSecret("New passphrase: ")
			if err != nil {
				return err
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			main, err := a.main(ctx)
			if err != nil {
				return err
			}
			b, err := a.builder(ctx, main, out)
			if err != nil {
				return err
			}
			p, err := b.NewRecovery(ctx, mnemonic, password)
			if err != nil {
				return err
			}
			return a.run(ctx, p, out)
		},
	}
	return cmd
}

func newAccountListCommand() *cobra.Command {
	var (
		local   bool
		network string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the accounts registered with the backend",
		Long: `List the accounts registered with the backend. With --local, list the
accounts held in the local wallet of a network instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.user(ctx); err != nil {
				return err
			}
			if local {
				return a.listLocalAccounts(ctx, out, network)
			}
			list, err := api.NewAccounts(a.backend).List(ctx)
			if err != nil {
				if api.StatusCode(err) == 401 {
					return errors.New("backend rejected the auth token, run init again with --token")
				}
				return err
			}

			if jsonOutput {
				return writeJSON(out, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "No accounts.")
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "NAME\tNETWORK\tSTATUS\tPUBLIC KEY")
			for _, acc := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", acc.Name, acc.Network, orDash(acc.Status), shorten(acc.PublicKey))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "list the local wallet instead of the backend")
	cmd.Flags().StringVarP(&network, "network", "n", "", "network of the local wallet (default: first configured network)")
	return cmd
}

func (a *app) listLocalAccounts(ctx context.Context, out io.Writer, network string) error {
	if network == "" {
		network = a.settings.KeyVault.Networks[0]
	}
	main, err := a.main(ctx)
	if err != nil {
		return err
	}
	list, err := a.services(main).accounts.LocalAccounts(ctx, network)
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		fmt.Fprintf(out, "No local accounts on %s.\n", network)
		return nil
	}
	tw := newTable(out)
	fmt.Fprintln(tw, "ID\tNAME\tVALIDATION KEY")
	for _, acc := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", acc.ID, acc.Name, shorten(acc.ValidationPubKey))
	}
	return tw.Flush()
}

func newAccountDepositDataCommand() *cobra.Command {
	var (
		network string
		index   int
	)

	cmd := &cobra.Command{
		Use:     "deposit-data",
		Short:   "Print the signed deposit of an account",
		Example: `  stakehost account deposit-data --network prater --index 0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if network == "" {
				network = a.settings.KeyVault.Networks[0]
			}
			main, err := a.main(ctx)
			if err != nil {
				return err
			}
			if err := a.unlock(ctx, main); err != nil {
				return err
			}
			dd, err := a.services(main).accounts.DepositData(ctx, network, index)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(out, dd)
			}
			tw := newTable(out)
			fmt.Fprintf(tw, "Public key:\t%s\n", dd.PublicKey)
			fmt.Fprintf(tw, "Withdrawal credentials:\t%s\n", dd.WithdrawalCredentials)
			fmt.Fprintf(tw, "Signature:\t%s\n", dd.Signature)
			fmt.Fprintf(tw, "Deposit data root:\t%s\n", dd.DepositDataRoot)
			fmt.Fprintf(tw, "Deposit contract:\t%s\n", dd.DepositContractAddress)
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&network, "network", "n", "", "network (default: first configured network)")
	cmd.Flags().IntVarP(&index, "index", "i", 0, "account index")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// shorten abbreviates a hex key for tables.
func shorten(key string) string {
	key = strings.TrimPrefix(key, "0x")
	if len(key) <= 16 {
		return key
	}
	return "0x" + key[:8] + "…" + key[len(key)-8:]
}
