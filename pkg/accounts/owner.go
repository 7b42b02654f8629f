package accounts

import (
	"context"

	"github.com/stakehost/stakehost/pkg/engine"
)

const createAccountFailed = "CLI Create Account failed"

type recoveryParams struct {
	Mnemonic string `param:"mnemonic"`
	Password string `param:"password"`
}

// OwnerName returns the step owner name.
func (s *Service) OwnerName() string { return "account" }

func run(fn func(context.Context) error) engine.Operation {
	return func(ctx context.Context, _ engine.Params) (any, error) {
		return nil, fn(ctx)
	}
}

// Operations exposes the account operations as process steps.
func (s *Service) Operations() engine.OperationSet {
	return engine.OperationSet{
		"createAccount": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Create Account",
				RequiredConfigKeys: []string{"seed", "network"},
				DisplayMessage:     createAccountFailed,
			},
			Run: func(ctx context.Context, params engine.Params) (any, error) {
				if network := params.String("network"); network != "" {
					if err := s.store.Set(ctx, "network", network); err != nil {
						return nil, err
					}
				}
				return nil, s.CreateAccount(ctx)
			},
		},
		"createBloxAccount": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Create Blox Account",
				RequiredConfigKeys: []string{"seed", "authToken", "network"},
				DisplayMessage:     "Create Blox Account failed",
			},
			Run: func(ctx context.Context, _ engine.Params) (any, error) {
				return s.CreateBloxAccount(ctx)
			},
		},
		"deleteLastIndexedAccount": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Rolling back account...",
				RequiredConfigKeys: []string{"network"},
			},
			Run: run(s.DeleteLastIndexedAccount),
		},
		"restoreAccounts": {
			Metadata: engine.StepMetadata{
				DisplayName:    "Restore Accounts",
				DisplayMessage: createAccountFailed,
			},
			Run: run(s.RestoreAccounts),
		},
		"recoverAccounts": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Recover accounts",
				RequiredConfigKeys: []string{"seed", "authToken"},
			},
			Run: run(s.RecoverAccounts),
		},
		"recovery": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Validating passphrase...",
				RequiredConfigKeys: []string{"authToken"},
			},
			Run: func(ctx context.Context, params engine.Params) (any, error) {
				var p recoveryParams
				if err := params.Decode(&p); err != nil {
					return nil, err
				}
				return nil, s.Recovery(ctx, p.Mnemonic, p.Password)
			},
		},
		"deleteBloxAccounts": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Removing accounts...",
				RequiredConfigKeys: []string{"authToken"},
			},
			Run: run(s.DeleteBloxAccounts),
		},
		"deleteAllAccounts": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Removing all accounts...",
				RequiredConfigKeys: []string{"authToken", "vaultRootToken"},
			},
			Run: run(s.DeleteAllAccounts),
		},
		"syncVaultWithBlox": {
			Metadata: engine.StepMetadata{
				DisplayName:        "Syncing key vault with Blox...",
				RequiredConfigKeys: []string{"authToken"},
			},
			Run: run(s.SyncVaultWithBlox),
		},
	}
}
