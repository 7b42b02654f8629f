package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stakehost/stakehost/pkg/config"
)

// authTokenEnv supplies the backend token to non-interactive runs.
const authTokenEnv = "STAKEHOST_AUTH_TOKEN"

func newInitCommand() *cobra.Command {
	var (
		userID string
		token  string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the stakehost data directory and log in",
		Long: `Initialize the data directory with a settings file, the local database and
the policy directory. With --user, the user and backend token are recorded so
that the encrypted store for that user can be opened.

Running init again keeps an existing settings file unless --force is given,
and switches the logged-in user when --user names someone else.`,
		Example: `  # Initialize with defaults
  stakehost init

  # Initialize and log in
  stakehost init --user 42 --token "$TOKEN"

  # Use a custom data directory
  stakehost init --data-dir /srv/stakehost --user 42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			log.Info().Str("data_dir", settings.DataDir).Msg("Initializing data directory")
			fmt.Fprintf(out, "Initializing stakehost in %s\n\n", settings.DataDir)

			for _, dir := range []string{settings.DataDir, settings.PolicyDir()} {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Fprintf(out, "✓ Created directory: %s\n", dir)
			}

			path := configPath
			if path == "" {
				path = filepath.Join(settings.DataDir, config.DefaultFileName)
			}
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(out, "✓ Kept settings: %s\n", path)
			} else {
				if userID != "" {
					settings.UserID = userID
				}
				if err := config.Write(path, settings); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Wrote settings: %s\n", path)
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintf(out, "✓ Initialized database: %s\n", settings.DatabasePath())

			if userID == "" {
				userID = settings.UserID
			}
			if userID == "" {
				fmt.Fprintln(out, "\nNo user given, run init again with --user to log in.")
				return nil
			}

			current, err := a.registry.Base().GetString(ctx, "currentUserId")
			if err != nil {
				return err
			}
			if token == "" && current == userID {
				fmt.Fprintf(out, "✓ Logged in as %s\n", userID)
				return nil
			}

			if token == "" {
				token = os.Getenv(authTokenEnv)
			}
			if token == "" {
				if token, err = readSecret("Auth token: "); err != nil {
					return err
				}
			}
			if err := a.registry.Login(ctx, userID, token); err != nil {
				return fmt.Errorf("failed to log in: %w", err)
			}
			a.audit(ctx, "user.login", userID, nil)
			fmt.Fprintf(out, "✓ Logged in as %s\n", userID)

			fmt.Fprintln(out, "\nNext: stakehost install --region <region>")
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id to log in as")
	cmd.Flags().StringVar(&token, "token", "", "backend auth token (default: $"+authTokenEnv+" or prompt)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing settings file")

	return cmd
}
