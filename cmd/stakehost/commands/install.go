package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/stakehost/stakehost/pkg/processes"
	"github.com/stakehost/stakehost/pkg/providers/aws"
)

// unlockedBuilder opens the main instance, unlocks it and returns a builder.
func (a *app) unlockedBuilder(ctx context.Context, out io.Writer) (*processes.Builder, error) {
	main, err := a.main(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.unlock(ctx, main); err != nil {
		return nil, err
	}
	return a.builder(ctx, main, out)
}

func newInstallCommand() *cobra.Command {
	var (
		accessKeyID     string
		secretAccessKey string
		region          string
		instanceType    string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Provision a key-vault server on AWS",
		Long: `Provision a key-vault server: EC2 key pair, elastic IP, security group and
instance, then deploy the key vault over SSH, create the wallet and register
the vault with the backend.

The AWS credentials are stored encrypted under the store passphrase. On a
fresh store the passphrase is chosen here.`,
		Example: `  # Credentials from the environment
  AWS_ACCESS_KEY_ID=... AWS_SECRET_ACCESS_KEY=... stakehost install

  # Another region
  stakehost install --region eu-central-1 --instance-type t3.small`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if accessKeyID == "" {
				accessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
			}
			if secretAccessKey == "" {
				secretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
			}
			if accessKeyID == "" {
				return errors.New("AWS access key id is required (--access-key-id or $AWS_ACCESS_KEY_ID)")
			}
			if secretAccessKey == "" {
				var err error
				if secretAccessKey, err = readSecret("AWS secret access key: "); err != nil {
					return err
				}
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if region != "" {
				a.settings.AWS.Region = region
			}
			if instanceType != "" {
				a.settings.AWS.InstanceType = instanceType
			}

			b, err := a.unlockedBuilder(ctx, out)
			if err != nil {
				return err
			}
			p, err := b.NewInstall(ctx, aws.Credentials{
				AccessKeyID:     accessKeyID,
				SecretAccessKey: secretAccessKey,
			})
			if err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Fprintf(out, "Installing in %s (%s)\n\n", a.settings.AWS.Region, a.settings.AWS.InstanceType)
			}
			return a.run(ctx, p, out)
		},
	}

	cmd.Flags().StringVar(&accessKeyID, "access-key-id", "", "AWS access key id (default: $AWS_ACCESS_KEY_ID)")
	cmd.Flags().StringVar(&secretAccessKey, "secret-access-key", "", "AWS secret access key (default: $AWS_SECRET_ACCESS_KEY or prompt)")
	cmd.Flags().StringVar(&region, "region", "", "AWS region (default from settings)")
	cmd.Flags().StringVar(&instanceType, "instance-type", "", "EC2 instance type (default from settings)")

	return cmd
}

func newReinstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reinstall",
		Short: "Replace the key-vault server with a new one",
		Long: `Provision a new server with the stored credentials, move the vault storage
to it and terminate the old server. The new server's details replace the old
ones only after it is running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.unlockedBuilder(ctx, out)
			if err != nil {
				return err
			}
			p, err := b.NewReinstall(ctx)
			if err != nil {
				return err
			}
			return a.run(ctx, p, out)
		},
	}
	return cmd
}

func newUninstallCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the key-vault server and all local data",
		Long: `Terminate the server, release its address, delete the security group and key
pair, remove the accounts from the backend and clear the local store.

This cannot be undone. Back up the store first if the seed is not recorded
elsewhere.`,
		Example: `  stakehost store backup -o stakehost.age
  stakehost uninstall --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if !yes {
				ok, err := confirm("Remove the server and clear the local store?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Aborted.")
					return nil
				}
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.unlockedBuilder(ctx, out)
			if err != nil {
				return err
			}
			p, err := b.NewUninstall(ctx)
			if err != nil {
				return err
			}
			return a.run(ctx, p, out)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
