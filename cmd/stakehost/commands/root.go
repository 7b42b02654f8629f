package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	dataDir    string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stakehost",
		Short: "stakehost - provision and operate a remote validator key vault",
		Long: `stakehost provisions a key-vault server on AWS, keeps its secrets in an
encrypted local store and manages the validator accounts it signs for.

Every long-running action is a process: an ordered list of steps that is
recorded in the local database and can be inspected with "stakehost runs".`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file (.yaml, .cue or a CUE package directory)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default: user config dir)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newReinstallCommand())
	rootCmd.AddCommand(newUninstallCommand())
	rootCmd.AddCommand(newAccountCommand())
	rootCmd.AddCommand(newPassphraseCommand())
	rootCmd.AddCommand(newStoreCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
