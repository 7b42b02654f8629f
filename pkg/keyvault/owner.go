package keyvault

import (
	"context"

	"github.com/stakehost/stakehost/pkg/engine"
)

// OwnerName returns the step owner name.
func (s *Service) OwnerName() string { return "keyVault" }

var sshKeys = []string{"publicIp", "keyPair"}

// Operations exposes the key-vault operations as process steps.
func (s *Service) Operations() engine.OperationSet {
	withToken := append(append([]string(nil), sshKeys...), "vaultRootToken")

	return engine.OperationSet{
		"installDockerScope": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Installing docker...",
				RequiredConfigKeys: sshKeys,
				DisplayMessage:     "Docker installation failed",
			},
			Run: func(ctx context.Context, _ engine.Params) (any, error) {
				return nil, s.InstallDockerScope(ctx)
			},
		},
		"runDockerContainer": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Starting key vault...",
				RequiredConfigKeys: sshKeys,
				DisplayMessage:     "Key vault container failed to start",
			},
			Run: func(ctx context.Context, _ engine.Params) (any, error) {
				return nil, s.RunDockerContainer(ctx)
			},
		},
		"runScripts": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Initializing key vault...",
				RequiredConfigKeys: sshKeys,
			},
			Run: func(ctx context.Context, _ engine.Params) (any, error) {
				return nil, s.RunScripts(ctx)
			},
		},
		"getKeyVaultRootToken": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Reading key vault token...",
				RequiredConfigKeys: sshKeys,
			},
			Run: func(ctx context.Context, _ engine.Params) (any, error) {
				return nil, s.GetKeyVaultRootToken(ctx)
			},
		},
		"initKeyVaultApi": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Configuring key vault API...",
				RequiredConfigKeys: withToken,
			},
			Run: func(ctx context.Context, _ engine.Params) (any, error) {
				return nil, s.InitKeyVaultApi(ctx)
			},
		},
		"updateVaultStorage": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Updating key vault storage...",
				RequiredConfigKeys: withToken,
				DisplayMessage:     "Update key vault storage failed",
			},
			Run: func(ctx context.Context, _ engine.Params) (any, error) {
				return nil, s.UpdateVaultStorage(ctx)
			},
		},
		"getKeyVaultStatus": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Checking key vault status...",
				RequiredConfigKeys: sshKeys,
			},
			Run: func(ctx context.Context, _ engine.Params) (any, error) {
				return s.GetKeyVaultStatus(ctx)
			},
		},
		"listAccounts": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Listing accounts...",
				RequiredConfigKeys: append(withToken, "network"),
			},
			Run: func(ctx context.Context, params engine.Params) (any, error) {
				network := params.String("network")
				if network == "" {
					var err error
					if network, err = s.kv.GetString(ctx, "network"); err != nil {
						return nil, err
					}
				}
				return s.ListAccounts(ctx, network)
			},
		},
	}
}
