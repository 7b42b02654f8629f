// Package wallet creates the per-network wallets whose storage the key vault
// serves.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/stakehost/stakehost/pkg/engine"
	"github.com/stakehost/stakehost/pkg/keystore"
	"github.com/stakehost/stakehost/pkg/telemetry"
)

// KeyManager creates empty wallets.
type KeyManager interface {
	CreateWallet(ctx context.Context) (string, error)
}

// Service creates wallets and records them in the keyed store.
type Service struct {
	kv       keystore.KV
	km       KeyManager
	networks []string
	logger   *telemetry.Logger
}

// NewService creates a wallet service for networks.
func NewService(kv keystore.KV, km KeyManager, networks []string, logger *telemetry.Logger) *Service {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Service{
		kv:       kv,
		km:       km,
		networks: networks,
		logger:   logger.NewComponentLogger("wallet"),
	}
}

// CreateWallet replaces the wallet of network with an empty one and resets
// its account index to -1.
func (s *Service) CreateWallet(ctx context.Context, network string) error {
	if network == "" {
		return errors.New("network is required")
	}
	storage, err := s.km.CreateWallet(ctx)
	if err != nil {
		return err
	}
	if err := s.kv.SetMultiple(ctx, map[string]any{
		"keyVaultStorage." + network: storage,
		"index." + network:           "-1",
	}); err != nil {
		return fmt.Errorf("failed to store %s wallet: %w", network, err)
	}
	s.logger.WithField("network", network).Info("wallet created")
	return nil
}

// EnsureWallets creates a wallet for every network that has none.
func (s *Service) EnsureWallets(ctx context.Context) error {
	for _, network := range s.networks {
		ok, err := s.kv.Exists(ctx, "keyVaultStorage."+network)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := s.CreateWallet(ctx, network); err != nil {
			return err
		}
	}
	return nil
}

// OwnerName returns the step owner name.
func (s *Service) OwnerName() string { return "wallet" }

// Operations exposes wallet creation as a process step. The network comes
// from the step params or the stored "network"; without either, every
// network lacking a wallet gets one.
func (s *Service) Operations() engine.OperationSet {
	return engine.OperationSet{
		"createWallet": {
			Metadata: engine.StepMetadata{
				DisplayName:    "Creating wallet...",
				DisplayMessage: "CLI Create Wallet failed",
			},
			Run: func(ctx context.Context, params engine.Params) (any, error) {
				network := params.String("network")
				if network == "" {
					var err error
					if network, err = s.kv.GetString(ctx, "network"); err != nil {
						return nil, err
					}
				}
				if network == "" {
					return nil, s.EnsureWallets(ctx)
				}
				return nil, s.CreateWallet(ctx, network)
			},
		},
	}
}
