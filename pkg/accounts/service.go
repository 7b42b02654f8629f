// Package accounts manages validator accounts across the local wallet, the
// key vault and the backend.
//
// The wallet storage for a network lives in the keyed store under
// keyVaultStorage.<network>; index.<network> holds the highest account
// index it contains, "-1" for an empty wallet.
package accounts

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/stakehost/stakehost/pkg/api"
	"github.com/stakehost/stakehost/pkg/keymanager"
	"github.com/stakehost/stakehost/pkg/keystore"
	"github.com/stakehost/stakehost/pkg/keyvault"
	"github.com/stakehost/stakehost/pkg/telemetry"
)

// testNetwork accounts are never recovered.
const testNetwork = "test"

var (
	// ErrNoValidators is returned by Recovery when the backend has no accounts.
	ErrNoValidators = errors.New("Validators not found")

	// ErrPassphraseMismatch is returned by Recovery when the mnemonic does
	// not derive the user's first account.
	ErrPassphraseMismatch = errors.New("Passphrase not linked to your account.")

	// ErrSeedExists is returned by GenerateSeed when a seed is already stored.
	ErrSeedExists = errors.New("a seed is already stored, recover or uninstall before generating a new one")

	// ErrNetworkNotSet is returned when no network is selected.
	ErrNetworkNotSet = errors.New("Configuration settings network not found")
)

// Store is the keyed store instance the service works on.
type Store interface {
	keystore.KV
	Clear(ctx context.Context) error
	SetNewPassword(ctx context.Context, passphrase string, backup bool) error
}

// KeyManager derives accounts and wallet storage from the seed.
type KeyManager interface {
	CreateAccount(ctx context.Context, seed string, index int, highestSource, highestTarget string) (string, error)
	GetAccount(ctx context.Context, seed string, index int) (*keymanager.Account, error)
	GetAccounts(ctx context.Context, seed string, index int) ([]keymanager.Account, error)
	SeedFromMnemonic(ctx context.Context, mnemonic string) (string, error)
	GenerateMnemonic(ctx context.Context) (string, error)
	GeneratePublicKey(ctx context.Context, seed string, index int) (string, error)
	DepositData(ctx context.Context, seed string, index int, publicKey, network string) (*keymanager.DepositData, error)
	ListAccounts(ctx context.Context, storage string) ([]keymanager.Account, error)
}

// Vault is the key vault holding the wallet storage.
type Vault interface {
	ListAccounts(ctx context.Context, network string) ([]keyvault.Account, error)
	UpdateVaultStorage(ctx context.Context) error
}

// Backend is the backend's accounts API.
type Backend interface {
	List(ctx context.Context) ([]api.Account, error)
	Create(ctx context.Context, account api.NewAccount) (*api.Account, error)
	DeleteAll(ctx context.Context) error
	HighestAttestation(ctx context.Context, publicKeys []string, network string) (map[string]api.Attestation, error)
}

// Wallets resets a network's wallet.
type Wallets interface {
	CreateWallet(ctx context.Context, network string) error
}

// Service implements the account operations.
type Service struct {
	store    Store
	km       KeyManager
	vault    Vault
	backend  Backend
	wallets  Wallets
	networks []string
	logger   *telemetry.Logger
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store      Store
	KeyManager KeyManager
	Vault      Vault
	Backend    Backend
	Wallets    Wallets

	// Networks are the networks deleteAllAccounts resets.
	Networks []string
	Logger   *telemetry.Logger
}

// NewService creates an account service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Service{
		store:    d.Store,
		km:       d.KeyManager,
		vault:    d.Vault,
		backend:  d.Backend,
		wallets:  d.Wallets,
		networks: d.Networks,
		logger:   logger.NewComponentLogger("accounts"),
	}
}

// CreateAccount adds the next account to the network's wallet.
func (s *Service) CreateAccount(ctx context.Context) error {
	network, err := s.network(ctx)
	if err != nil {
		return err
	}
	index, err := s.nextIndex(ctx, network)
	if err != nil {
		return err
	}
	return s.buildWallet(ctx, network, index)
}

// nextIndex returns one past the newest account in the key vault and
// records the current highest index.
func (s *Service) nextIndex(ctx context.Context, network string) (int, error) {
	accounts, err := s.vault.ListAccounts(ctx, network)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s accounts: %w", network, err)
	}
	index := 0
	if len(accounts) > 0 {
		index = keyvault.AccountIndex(accounts[0].Name) + 1
	}
	if err := s.store.Set(ctx, "index."+network, strconv.Itoa(index-1)); err != nil {
		return 0, err
	}
	return index, nil
}

// buildWallet rebuilds the network's wallet with accounts 0..index,
// carrying each account's highest attestation so the key vault never signs
// below it.
func (s *Service) buildWallet(ctx context.Context, network string, index int) error {
	seed, err := s.seed(ctx)
	if err != nil {
		return err
	}

	accounts, err := s.km.GetAccounts(ctx, seed, index)
	if err != nil {
		return err
	}
	if len(accounts) < index+1 {
		return fmt.Errorf("key manager derived %d accounts, want %d", len(accounts), index+1)
	}

	slashing, err := s.takeSlashingData(ctx, network)
	if err != nil {
		return err
	}

	attestations := make(map[string]api.Attestation, len(accounts))
	var missing []string
	for _, acc := range accounts[:index+1] {
		encoded, ok := slashing[acc.ValidationPubKey]
		if !ok {
			missing = append(missing, acc.ValidationPubKey)
			continue
		}
		att, err := decodeSlashingRecord(encoded)
		if err != nil {
			return fmt.Errorf("failed to decode slashing data of %s: %w", acc.ValidationPubKey, err)
		}
		attestations[acc.ValidationPubKey] = att
	}

	fromSlasher, err := s.backend.HighestAttestation(ctx, missing, network)
	if err != nil {
		return fmt.Errorf("failed to get highest attestations: %w", err)
	}
	for key, att := range fromSlasher {
		attestations[key] = att
	}

	sources := make([]string, 0, index+1)
	targets := make([]string, 0, index+1)
	for i := index; i >= 0; i-- {
		att := attestations[accounts[i].ValidationPubKey]
		sources = append(sources, strconv.FormatUint(att.HighestSourceEpoch, 10))
		targets = append(targets, strconv.FormatUint(att.HighestTargetEpoch, 10))
	}

	storage, err := s.km.CreateAccount(ctx, seed, index, strings.Join(sources, ","), strings.Join(targets, ","))
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, "keyVaultStorage."+network, storage); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{"network": network, "index": index}).Info("wallet accounts created")
	return nil
}

// takeSlashingData returns the stored slashing records of network and
// drops all stored slashing data.
func (s *Service) takeSlashingData(ctx context.Context, network string) (map[string]string, error) {
	ok, err := s.store.Exists(ctx, "slashingData."+network)
	if err != nil || !ok {
		return nil, err
	}
	records := map[string]string{}
	if err := keystore.GetInto(ctx, s.store, "slashingData."+network, &records); err != nil {
		return nil, err
	}
	if err := s.store.Delete(ctx, "slashingData"); err != nil {
		return nil, err
	}
	return records, nil
}

// decodeSlashingRecord reads the highest attestation out of a hex encoded
// key-vault slashing record.
func decodeSlashingRecord(encoded string) (api.Attestation, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(encoded, "0x"))
	if err != nil {
		return api.Attestation{}, err
	}
	var record struct {
		HighestAttestation struct {
			Source struct {
				Epoch uint64 `json:"epoch"`
			} `json:"source"`
			Target struct {
				Epoch uint64 `json:"epoch"`
			} `json:"target"`
		} `json:"HighestAttestation"`
	}
	if err := json.Unmarshal(raw, &record); err != nil {
		return api.Attestation{}, err
	}
	return api.Attestation{
		HighestSourceEpoch: record.HighestAttestation.Source.Epoch,
		HighestTargetEpoch: record.HighestAttestation.Target.Epoch,
	}, nil
}

// CreateBloxAccount registers the account just added to the wallet with the
// backend.
func (s *Service) CreateBloxAccount(ctx context.Context) (*api.Account, error) {
	network, err := s.network(ctx)
	if err != nil {
		return nil, err
	}
	seed, err := s.seed(ctx)
	if err != nil {
		return nil, err
	}
	last, err := s.lastIndex(ctx, network)
	if err != nil {
		return nil, err
	}

	acc, err := s.km.GetAccount(ctx, seed, last+1)
	if err != nil {
		return nil, err
	}
	created, err := s.backend.Create(ctx, api.NewAccount{
		ID:               acc.ID,
		Name:             acc.Name,
		ValidationPubKey: acc.ValidationPubKey,
		WithdrawalPubKey: acc.WithdrawalPubKey,
		Network:          network,
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{"network": network, "account": acc.Name}).Info("account registered")
	return created, nil
}

// DeleteLastIndexedAccount rebuilds the wallet without the account added
// by the last createAccount, or resets it when that was the first one.
func (s *Service) DeleteLastIndexedAccount(ctx context.Context) error {
	network, err := s.network(ctx)
	if err != nil {
		return err
	}
	last, err := s.lastIndex(ctx, network)
	if err != nil {
		return err
	}
	if last < 0 {
		return s.wallets.CreateWallet(ctx, network)
	}
	return s.buildWallet(ctx, network, last)
}

// RestoreAccounts rebuilds the wallet of every network with a recorded
// index.
func (s *Service) RestoreAccounts(ctx context.Context) error {
	indices := map[string]string{}
	if err := keystore.GetInto(ctx, s.store, "index", &indices); err != nil {
		return err
	}
	networks := make([]string, 0, len(indices))
	for network := range indices {
		networks = append(networks, network)
	}
	sort.Strings(networks)

	for _, network := range networks {
		index, err := strconv.Atoi(indices[network])
		if err != nil {
			return fmt.Errorf("invalid index for %s: %q", network, indices[network])
		}
		if index < 0 {
			continue
		}
		if err := s.store.Set(ctx, "network", network); err != nil {
			return err
		}
		if err := s.buildWallet(ctx, network, index); err != nil {
			return err
		}
	}
	return nil
}

// RecoverAccounts rebuilds the wallets from the accounts the backend knows.
func (s *Service) RecoverAccounts(ctx context.Context) error {
	accounts, err := s.backend.List(ctx)
	if err != nil {
		return err
	}
	return s.recoverFrom(ctx, accounts)
}

func (s *Service) recoverFrom(ctx context.Context, accounts []api.Account) error {
	var networks []string
	last := map[string]int{}
	for _, acc := range accounts {
		if acc.Network == testNetwork {
			continue
		}
		index := keyvault.AccountIndex(acc.Name)
		prev, seen := last[acc.Network]
		if !seen {
			networks = append(networks, acc.Network)
			last[acc.Network] = index
			continue
		}
		if index > prev {
			last[acc.Network] = index
		}
	}

	for _, network := range networks {
		if last[network] < 0 {
			continue
		}
		if err := s.store.Set(ctx, "network", network); err != nil {
			return err
		}
		if err := s.buildWallet(ctx, network, last[network]); err != nil {
			return err
		}
		s.logger.WithFields(map[string]interface{}{"network": network, "last_index": last[network]}).Info("accounts recovered")
	}
	return nil
}

// Recovery checks that mnemonic derives the user's first backend account,
// then resets the store to the recovered seed under password.
func (s *Service) Recovery(ctx context.Context, mnemonic, password string) error {
	if password == "" {
		return errors.New("password is required")
	}
	seed, err := s.km.SeedFromMnemonic(ctx, mnemonic)
	if err != nil {
		return err
	}
	accounts, err := s.backend.List(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return ErrNoValidators
	}

	first := accounts[0]
	index := keyvault.AccountIndex(first.Name)
	if index < 0 {
		return fmt.Errorf("unexpected account name %q", first.Name)
	}
	acc, err := s.km.GetAccount(ctx, seed, index)
	if err != nil {
		return err
	}
	if acc.ValidationPubKey != strings.TrimPrefix(first.PublicKey, "0x") {
		return ErrPassphraseMismatch
	}

	if err := s.store.Clear(ctx); err != nil {
		return err
	}
	if err := s.store.SetNewPassword(ctx, password, false); err != nil {
		return err
	}
	return s.store.Set(ctx, "seed", seed)
}

// DeleteBloxAccounts removes the user's accounts from the backend and the
// local wallets.
func (s *Service) DeleteBloxAccounts(ctx context.Context) error {
	if err := s.backend.DeleteAll(ctx); err != nil {
		return err
	}
	return s.store.Delete(ctx, "keyVaultStorage")
}

// DeleteAllAccounts empties every network's wallet in the key vault, then
// removes the accounts from the backend.
func (s *Service) DeleteAllAccounts(ctx context.Context) error {
	for _, network := range s.networks {
		if err := s.store.Set(ctx, "network", network); err != nil {
			return err
		}
		if err := s.wallets.CreateWallet(ctx, network); err != nil {
			return err
		}
		if err := s.vault.UpdateVaultStorage(ctx); err != nil {
			return err
		}
	}
	return s.backend.DeleteAll(ctx)
}

// SyncVaultWithBlox rebuilds the wallets of a returning user, whose accounts
// the backend already knows. It does nothing before a seed exists.
func (s *Service) SyncVaultWithBlox(ctx context.Context) error {
	seed, err := s.store.GetString(ctx, "seed")
	if err != nil {
		return err
	}
	if seed == "" {
		s.logger.Debug("no seed yet, nothing to sync")
		return nil
	}
	accounts, err := s.backend.List(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}
	return s.recoverFrom(ctx, accounts)
}

func (s *Service) network(ctx context.Context) (string, error) {
	network, err := s.store.GetString(ctx, "network")
	if err != nil {
		return "", err
	}
	if network == "" {
		return "", ErrNetworkNotSet
	}
	return network, nil
}

func (s *Service) seed(ctx context.Context) (string, error) {
	seed, err := s.store.GetString(ctx, "seed")
	if err != nil {
		return "", err
	}
	if seed == "" {
		return "", errors.New("seed is not set")
	}
	return seed, nil
}

// lastIndex returns the recorded highest index of network, -1 if none.
func (s *Service) lastIndex(ctx context.Context, network string) (int, error) {
	v, err := s.store.GetString(ctx, "index."+network)
	if err != nil || v == "" {
		return -1, err
	}
	index, err := strconv.Atoi(v)
	if err != nil {
		return -1, fmt.Errorf("invalid index for %s: %q", network, v)
	}
	return index, nil
}
