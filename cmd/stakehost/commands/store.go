package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stakehost/stakehost/pkg/keystore"
)

func newStoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect, back up and restore the local store",
	}
	cmd.AddCommand(newStoreGetCommand())
	cmd.AddCommand(newStoreKeysCommand())
	cmd.AddCommand(newStoreBackupCommand())
	cmd.AddCommand(newStoreRestoreCommand())
	return cmd
}

func newStoreGetCommand() *cobra.Command {
	var base bool

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a stored value",
		Long: `Print the value at key. Dotted keys select nested fields. Encrypted values
prompt for the store passphrase.`,
		Example: `  stakehost store get publicIp
  stakehost store get keyPair.pubKey
  stakehost store get --base env`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			key := args[0]

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			s := a.registry.Base()
			if !base {
				if s, err = a.main(ctx); err != nil {
					return err
				}
				if s.IsEncryptedKey(key) {
					if err := a.unlock(ctx, s); err != nil {
						return err
					}
				}
			}

			v, err := s.Get(ctx, key)
			if err != nil {
				return err
			}
			if v == nil {
				return fmt.Errorf("%s is not set", key)
			}
			if text, ok := v.(string); ok && !jsonOutput {
				fmt.Fprintln(out, text)
				return nil
			}
			return writeJSON(out, v)
		},
	}

	cmd.Flags().BoolVar(&base, "base", false, "read from the shared base instance")
	return cmd
}

func newStoreKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List the keys of the main instance",
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
			keys, err := main.Keys(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(out, map[string]any{"namespace": main.Namespace(), "keys": keys})
			}
			fmt.Fprintf(out, "Namespace: %s\n\n", main.Namespace())
			tw := newTable(out)
			fmt.Fprintln(tw, "KEY\tENCRYPTED")
			for _, k := range keys {
				fmt.Fprintf(tw, "%s\t%t\n", k, main.IsEncryptedKey(k))
			}
			return tw.Flush()
		},
	}
	return cmd
}

func newStoreBackupCommand() *cobra.Command {
	var (
		output     string
		recipients []string
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write an encrypted backup of the main instance",
		Long: `Write every entry of the main instance to an age-encrypted file. Encrypted
values stay encrypted under the store passphrase inside the backup.

Without --recipient the backup is protected by a separate backup passphrase.`,
		Example: `  # Passphrase-protected backup
  stakehost store backup -o stakehost.age

  # For an age key
  stakehost store backup -o stakehost.age -r age1ql3z7hjy54pw3hyww5ayyfg7zqgvc7w3j2elw8zmrj2kg5sfn9aqmcac8p`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			opts := keystore.BackupOptions{Recipients: recipients}
			if len(recipients) == 0 {
				var err error
				if opts.Passphrase, err = readNewSecret("Backup passphrase: "); err != nil {
					return err
				}
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

			f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create backup file: %w", err)
			}
			info, err := main.Export(ctx, f, opts)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(output)
				return fmt.Errorf("backup failed: %w", err)
			}

			a.audit(ctx, "store.backup", info.Namespace, map[string]any{"file": output, "keys": info.Keys})
			log.Info().Str("file", output).Int("keys", info.Keys).Msg("Backup written")
			fmt.Fprintf(out, "✓ Backed up %d keys of %s to %s\n", info.Keys, info.Namespace, output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "backup file to create")
	cmd.Flags().StringSliceVarP(&recipients, "recipient", "r", nil, "age recipient public key (repeatable)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newStoreRestoreCommand() *cobra.Command {
	var (
		input         string
		identityFiles []string
		replace       bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the main instance from a backup",
		Long: `Restore entries from a backup written by "stakehost store backup". With
--replace the main instance is cleared first; otherwise backup entries
overwrite existing ones and other keys are kept.`,
		Example: `  stakehost store restore -i stakehost.age --replace
  stakehost store restore -i stakehost.age --identity-file ~/.config/age/key.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			opts := keystore.RestoreOptions{Replace: replace}
			for _, path := range identityFiles {
				ids, err := readIdentityFile(path)
				if err != nil {
					return err
				}
				opts.Identities = append(opts.Identities, ids...)
			}
			if len(opts.Identities) == 0 {
				var err error
				if opts.Passphrase, err = readSecret("Backup passphrase: "); err != nil {
					return err
				}
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

			f, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("failed to open backup file: %w", err)
			}
			defer f.Close()

			info, err := main.Import(ctx, f, opts)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			if info.Namespace != main.Namespace() {
				log.Warn().Str("backup", info.Namespace).Str("store", main.Namespace()).Msg("Backup was taken from another namespace")
			}

			a.audit(ctx, "store.restore", main.Namespace(), map[string]any{
				"file":    input,
				"keys":    info.Keys,
				"source":  info.Namespace,
				"replace": replace,
			})
			fmt.Fprintf(out, "✓ Restored %d keys from backup of %s taken %s\n",
				info.Keys, info.Namespace, info.CreatedAt.Local().Format("2006-01-02 15:04"))
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "backup file to read")
	cmd.Flags().StringSliceVar(&identityFiles, "identity-file", nil, "age identity file (repeatable)")
	cmd.Flags().BoolVar(&replace, "replace", false, "clear the main instance first")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// readIdentityFile returns the identities of an age key file, skipping
// comments and blank lines.
func readIdentityFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity file: %w", err)
	}
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no identities in %s", path)
	}
	return ids, nil
}
