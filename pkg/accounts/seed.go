package accounts

import (
	"context"
	"fmt"

	"github.com/stakehost/stakehost/pkg/keymanager"
)

// GenerateSeed creates a new mnemonic, stores the seed derived from it and
// returns the mnemonic. The mnemonic itself is never stored.
func (s *Service) GenerateSeed(ctx context.Context) (string, error) {
	existing, err := s.store.GetString(ctx, "seed")
	if err != nil {
		return "", err
	}
	if existing != "" {
		return "", ErrSeedExists
	}

	mnemonic, err := s.km.GenerateMnemonic(ctx)
	if err != nil {
		return "", err
	}
	seed, err := s.km.SeedFromMnemonic(ctx, mnemonic)
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, "seed", seed); err != nil {
		return "", fmt.Errorf("failed to store seed: %w", err)
	}
	s.logger.Info("seed generated")
	return mnemonic, nil
}

// DepositData returns the signed deposit of the account at index on network.
func (s *Service) DepositData(ctx context.Context, network string, index int) (*keymanager.DepositData, error) {
	if network == "" {
		return nil, ErrNetworkNotSet
	}
	if index < 0 {
		return nil, fmt.Errorf("invalid account index %d", index)
	}
	seed, err := s.seed(ctx)
	if err != nil {
		return nil, err
	}
	publicKey, err := s.km.GeneratePublicKey(ctx, seed, index)
	if err != nil {
		return nil, err
	}
	return s.km.DepositData(ctx, seed, index, publicKey, network)
}

// LocalAccounts lists the accounts held in the local wallet of network.
func (s *Service) LocalAccounts(ctx context.Context, network string) ([]keymanager.Account, error) {
	storage, err := s.store.GetString(ctx, "keyVaultStorage."+network)
	if err != nil {
		return nil, err
	}
	if storage == "" {
		return []keymanager.Account{}, nil
	}
	return s.km.ListAccounts(ctx, storage)
}
