package accounts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakehost/stakehost/pkg/api"
	"github.com/stakehost/stakehost/pkg/engine"
	"github.com/stakehost/stakehost/pkg/keymanager"
	"github.com/stakehost/stakehost/pkg/keystore"
	"github.com/stakehost/stakehost/pkg/keyvault"
)

const testPassphrase = "correct horse battery staple"

func pubKey(seed string, i int) string {
	return fmt.Sprintf("%s-pk-%d", seed, i)
}

type createCall struct {
	index  int
	source string
	target string
}

type fakeKeyManager struct {
	creates  []createCall
	gets     []int
	seedErr  error
	seedFrom string
}

func (f *fakeKeyManager) CreateAccount(_ context.Context, _ string, index int, source, target string) (string, error) {
	f.creates = append(f.creates, createCall{index: index, source: source, target: target})
	return fmt.Sprintf("storage-%d", index), nil
}

func (f *fakeKeyManager) GetAccount(_ context.Context, seed string, index int) (*keymanager.Account, error) {
	f.gets = append(f.gets, index)
	return &keymanager.Account{
		ID:               index,
		Name:             fmt.Sprintf("account-%d", index),
		ValidationPubKey: pubKey(seed, index),
		WithdrawalPubKey: "w" + pubKey(seed, index),
	}, nil
}

func (f *fakeKeyManager) GetAccounts(_ context.Context, seed string, index int) ([]keymanager.Account, error) {
	out := make([]keymanager.Account, 0, index+1)
	for i := 0; i <= index; i++ {
		out = append(out, keymanager.Account{ID: i, Name: fmt.Sprintf("account-%d", i), ValidationPubKey: pubKey(seed, i)})
	}
	return out, nil
}

func (f *fakeKeyManager) SeedFromMnemonic(_ context.Context, mnemonic string) (string, error) {
	f.seedFrom = mnemonic
	if f.seedErr != nil {
		return "", f.seedErr
	}
	return "recovered", nil
}

func (f *fakeKeyManager) GenerateMnemonic(context.Context) (string, error) {
	return "fresh mnemonic", nil
}

func (f *fakeKeyManager) GeneratePublicKey(_ context.Context, seed string, index int) (string, error) {
	return pubKey(seed, index), nil
}

func (f *fakeKeyManager) DepositData(_ context.Context, seed string, index int, publicKey, network string) (*keymanager.DepositData, error) {
	return &keymanager.DepositData{
		PublicKey:       publicKey,
		Signature:       fmt.Sprintf("sig-%s-%d-%s", seed, index, network),
		DepositDataRoot: "root",
	}, nil
}

func (f *fakeKeyManager) ListAccounts(_ context.Context, storage string) ([]keymanager.Account, error) {
	return []keymanager.Account{{ID: 0, Name: "account-0", ValidationPubKey: storage + "-pk"}}, nil
}

type fakeVault struct {
	accounts []keyvault.Account
	updates  int
}

func (f *fakeVault) ListAccounts(context.Context, string) ([]keyvault.Account, error) {
	return f.accounts, nil
}

func (f *fakeVault) UpdateVaultStorage(context.Context) error {
	f.updates++
	return nil
}

type fakeBackend struct {
	accounts     []api.Account
	created      []api.NewAccount
	deletes      int
	lists        int
	attestations map[string]api.Attestation
	queried      [][]string
	createErr    error
}

func (f *fakeBackend) List(context.Context) ([]api.Account, error) {
	f.lists++
	return f.accounts, nil
}

func (f *fakeBackend) Create(_ context.Context, acc api.NewAccount) (*api.Account, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, acc)
	return &api.Account{ID: acc.ID, Name: acc.Name, Network: acc.Network}, nil
}

func (f *fakeBackend) DeleteAll(context.Context) error {
	f.deletes++
	return nil
}

func (f *fakeBackend) HighestAttestation(_ context.Context, keys []string, _ string) (map[string]api.Attestation, error) {
	f.queried = append(f.queried, keys)
	out := map[string]api.Attestation{}
	for _, k := range keys {
		if att, ok := f.attestations[k]; ok {
			out[k] = att
		}
	}
	return out, nil
}

type fakeWallets struct {
	created []string
}

func (f *fakeWallets) CreateWallet(_ context.Context, network string) error {
	f.created = append(f.created, network)
	return nil
}

type harness struct {
	svc     *Service
	store   *keystore.Store
	km      *fakeKeyManager
	vault   *fakeVault
	backend *fakeBackend
	wallets *fakeWallets
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store := keystore.NewStore(keystore.NewMemoryBackend(), "base-alice")
	require.NoError(t, store.SetCryptoKey(ctx, testPassphrase))
	t.Cleanup(store.UnsetCryptoKey)
	require.NoError(t, store.SetMultiple(ctx, map[string]any{
		"seed":    "s",
		"network": "pyrmont",
		"uuid":    "5b3a",
	}))

	h := &harness{
		store:   store,
		km:      &fakeKeyManager{},
		vault:   &fakeVault{},
		backend: &fakeBackend{attestations: map[string]api.Attestation{}},
		wallets: &fakeWallets{},
	}
	h.svc = NewService(Deps{
		Store:      store,
		KeyManager: h.km,
		Vault:      h.vault,
		Backend:    h.backend,
		Wallets:    h.wallets,
		Networks:   []string{"pyrmont", "mainnet"},
	})
	return h
}

func (h *harness) get(t *testing.T, key string) string {
	t.Helper()
	v, err := h.store.GetString(context.Background(), key)
	require.NoError(t, err)
	return v
}

func slashingRecord(source, target uint64) string {
	raw := fmt.Sprintf(`{"HighestAttestation":{"source":{"epoch":%d},"target":{"epoch":%d}}}`, source, target)
	return hex.EncodeToString([]byte(raw))
}

func TestService_CreateAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("next index with slashing data", func(t *testing.T) {
		h := newHarness(t)
		h.vault.accounts = []keyvault.Account{{Name: "account-1"}, {Name: "account-0"}}
		require.NoError(t, h.store.Set(ctx, "slashingData", map[string]any{
			"pyrmont": map[string]any{pubKey("s", 0): slashingRecord(5, 6)},
		}))
		h.backend.attestations[pubKey("s", 1)] = api.Attestation{HighestSourceEpoch: 11, HighestTargetEpoch: 12}
		h.backend.attestations[pubKey("s", 2)] = api.Attestation{HighestSourceEpoch: 21, HighestTargetEpoch: 22}

		require.NoError(t, h.svc.CreateAccount(ctx))

		assert.Equal(t, "1", h.get(t, "index.pyrmont"))
		assert.Equal(t, [][]string{{pubKey("s", 1), pubKey("s", 2)}}, h.backend.queried)
		require.Len(t, h.km.creates, 1)
		assert.Equal(t, createCall{index: 2, source: "21,11,5", target: "22,12,6"}, h.km.creates[0])
		assert.Equal(t, "storage-2", h.get(t, "keyVaultStorage.pyrmont"))

		ok, err := h.store.Exists(ctx, "slashingData")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("first account", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.svc.CreateAccount(ctx))
		assert.Equal(t, "-1", h.get(t, "index.pyrmont"))
		assert.Equal(t, createCall{index: 0, source: "0", target: "0"}, h.km.creates[0])
	})

	t.Run("network required", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Delete(ctx, "network"))
		assert.ErrorIs(t, h.svc.CreateAccount(ctx), ErrNetworkNotSet)
	})

	t.Run("step param selects network", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Operations()["createAccount"].Run(ctx, engine.Params{"network": "mainnet"})
		require.NoError(t, err)
		assert.Equal(t, "mainnet", h.get(t, "network"))
		assert.Equal(t, "storage-0", h.get(t, "keyVaultStorage.mainnet"))
	})
}

func TestService_CreateBloxAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.Set(ctx, "index.pyrmont", "1"))

	acc, err := h.svc.CreateBloxAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "account-2", acc.Name)
	require.Len(t, h.backend.created, 1)
	assert.Equal(t, api.NewAccount{
		ID:               2,
		Name:             "account-2",
		ValidationPubKey: pubKey("s", 2),
		WithdrawalPubKey: "w" + pubKey("s", 2),
		Network:          "pyrmont",
	}, h.backend.created[0])
}

func TestService_DeleteLastIndexedAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("first account resets the wallet", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Set(ctx, "index.pyrmont", "-1"))
		require.NoError(t, h.svc.DeleteLastIndexedAccount(ctx))
		assert.Equal(t, []string{"pyrmont"}, h.wallets.created)
		assert.Empty(t, h.km.creates)
	})

	t.Run("later account rebuilds up to the previous index", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Set(ctx, "index.pyrmont", "3"))
		require.NoError(t, h.svc.DeleteLastIndexedAccount(ctx))
		assert.Empty(t, h.wallets.created)
		require.Len(t, h.km.creates, 1)
		assert.Equal(t, 3, h.km.creates[0].index)
	})
}

func TestService_RestoreAccounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.Set(ctx, "index", map[string]any{"pyrmont": "1", "mainnet": "-1"}))

	require.NoError(t, h.svc.RestoreAccounts(ctx))
	require.Len(t, h.km.creates, 1)
	assert.Equal(t, 1, h.km.creates[0].index)
	assert.Equal(t, "storage-1", h.get(t, "keyVaultStorage.pyrmont"))
	assert.Empty(t, h.get(t, "keyVaultStorage.mainnet"))
}

func TestService_RecoverAccounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.backend.accounts = []api.Account{
		{Name: "account-2", Network: "pyrmont"},
		{Name: "account-10", Network: "pyrmont"},
		{Name: "account-0", Network: "mainnet"},
		{Name: "account-5", Network: "test"},
	}

	require.NoError(t, h.svc.RecoverAccounts(ctx))
	require.Len(t, h.km.creates, 2)
	assert.Equal(t, 10, h.km.creates[0].index)
	assert.Equal(t, 0, h.km.creates[1].index)
	assert.Equal(t, "storage-10", h.get(t, "keyVaultStorage.pyrmont"))
	assert.Equal(t, "storage-0", h.get(t, "keyVaultStorage.mainnet"))
	assert.Empty(t, h.get(t, "keyVaultStorage.test"))
}

func TestService_Recovery(t *testing.T) {
	ctx := context.Background()
	mnemonic := "word list"

	t.Run("matching mnemonic resets the store", func(t *testing.T) {
		h := newHarness(t)
		h.backend.accounts = []api.Account{{Name: "account-3", PublicKey: "0x" + pubKey("recovered", 3), Network: "pyrmont"}}

		require.NoError(t, h.svc.Recovery(ctx, mnemonic, "new password"))
		assert.Equal(t, mnemonic, h.km.seedFrom)
		assert.Equal(t, []int{3}, h.km.gets)
		assert.Equal(t, "recovered", h.get(t, "seed"))
		assert.Empty(t, h.get(t, "uuid"))

		h.store.UnsetCryptoKey()
		require.NoError(t, h.store.SetCryptoKey(ctx, "new password"))
		assert.Equal(t, "recovered", h.get(t, "seed"))
	})

	t.Run("foreign mnemonic", func(t *testing.T) {
		h := newHarness(t)
		h.backend.accounts = []api.Account{{Name: "account-0", PublicKey: "0xsomeone-else", Network: "pyrmont"}}

		err := h.svc.Recovery(ctx, mnemonic, "new password")
		assert.ErrorIs(t, err, ErrPassphraseMismatch)
		assert.Equal(t, "Passphrase not linked to your account.", err.Error())
		assert.Equal(t, "s", h.get(t, "seed"))
	})

	t.Run("no validators", func(t *testing.T) {
		h := newHarness(t)
		assert.ErrorIs(t, h.svc.Recovery(ctx, mnemonic, "new password"), ErrNoValidators)
	})

	t.Run("bad mnemonic", func(t *testing.T) {
		h := newHarness(t)
		h.km.seedErr = keymanager.ErrMnemonicLength
		assert.ErrorIs(t, h.svc.Recovery(ctx, mnemonic, "new password"), keymanager.ErrMnemonicLength)
		assert.Zero(t, h.backend.lists)
	})

	t.Run("step params", func(t *testing.T) {
		h := newHarness(t)
		h.backend.accounts = []api.Account{{Name: "account-0", PublicKey: pubKey("recovered", 0)}}
		_, err := h.svc.Operations()["recovery"].Run(ctx, engine.Params{"mnemonic": mnemonic, "password": "pw"})
		require.NoError(t, err)
		assert.Equal(t, "recovered", h.get(t, "seed"))
	})
}

func TestService_DeleteBloxAccounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.Set(ctx, "keyVaultStorage", map[string]any{"pyrmont": "w1"}))

	require.NoError(t, h.svc.DeleteBloxAccounts(ctx))
	assert.Equal(t, 1, h.backend.deletes)
	ok, err := h.store.Exists(ctx, "keyVaultStorage")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_DeleteAllAccounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.svc.DeleteAllAccounts(ctx))
	assert.Equal(t, []string{"pyrmont", "mainnet"}, h.wallets.created)
	assert.Equal(t, 2, h.vault.updates)
	assert.Equal(t, 1, h.backend.deletes)
}

func TestService_SyncVaultWithBlox(t *testing.T) {
	ctx := context.Background()

	t.Run("no seed", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Delete(ctx, "seed"))
		require.NoError(t, h.svc.SyncVaultWithBlox(ctx))
		assert.Zero(t, h.backend.lists)
	})

	t.Run("returning user", func(t *testing.T) {
		h := newHarness(t)
		h.backend.accounts = []api.Account{{Name: "account-1", Network: "mainnet"}}
		require.NoError(t, h.svc.SyncVaultWithBlox(ctx))
		assert.Equal(t, "storage-1", h.get(t, "keyVaultStorage.mainnet"))
	})

	t.Run("new user", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.svc.SyncVaultWithBlox(ctx))
		assert.Empty(t, h.km.creates)
	})
}

func TestService_Operations(t *testing.T) {
	h := newHarness(t)
	for name := range h.svc.Operations() {
		step, err := engine.NewActionStep(h.svc, name)
		require.NoError(t, err, name)
		assert.Equal(t, "account", step.OwnerName())
	}

	meta := h.svc.Operations()["createBloxAccount"].Metadata
	assert.Equal(t, "Create Blox Account failed", meta.DisplayMessage)
	assert.ElementsMatch(t, []string{"seed", "authToken", "network"}, meta.RequiredConfigKeys)
}

func TestDecodeSlashingRecord(t *testing.T) {
	att, err := decodeSlashingRecord("0x" + slashingRecord(7, 8))
	require.NoError(t, err)
	assert.Equal(t, api.Attestation{HighestSourceEpoch: 7, HighestTargetEpoch: 8}, att)

	_, err = decodeSlashingRecord("zz")
	assert.Error(t, err)
}

func TestService_CreateBloxAccountFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.createErr = &api.APIError{Method: "POST", Path: "accounts", StatusCode: 409}
	_, err := h.svc.CreateBloxAccount(context.Background())
	assert.Equal(t, 409, api.StatusCode(err))
	assert.True(t, errors.As(err, new(*api.APIError)))
}

func TestService_GenerateSeed(t *testing.T) {
	ctx := context.Background()

	t.Run("new user", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Delete(ctx, "seed"))

		mnemonic, err := h.svc.GenerateSeed(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fresh mnemonic", mnemonic)
		assert.Equal(t, "fresh mnemonic", h.km.seedFrom)
		assert.Equal(t, "recovered", h.get(t, "seed"))
		assert.True(t, h.store.IsEncryptedKey("seed"))
	})

	t.Run("seed already stored", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.GenerateSeed(ctx)
		assert.ErrorIs(t, err, ErrSeedExists)
		assert.Equal(t, "s", h.get(t, "seed"))
	})

	t.Run("locked store", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Delete(ctx, "seed"))
		h.store.UnsetCryptoKey()
		_, err := h.svc.GenerateSeed(ctx)
		assert.True(t, keystore.IsKeyUnavailable(err), "got %v", err)
	})
}

func TestService_DepositData(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	dd, err := h.svc.DepositData(ctx, "pyrmont", 2)
	require.NoError(t, err)
	assert.Equal(t, pubKey("s", 2), dd.PublicKey)
	assert.Equal(t, "sig-s-2-pyrmont", dd.Signature)

	_, err = h.svc.DepositData(ctx, "", 0)
	assert.ErrorIs(t, err, ErrNetworkNotSet)
	_, err = h.svc.DepositData(ctx, "pyrmont", -1)
	assert.Error(t, err)
}

func TestService_LocalAccounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	list, err := h.svc.LocalAccounts(ctx, "pyrmont")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, h.store.Set(ctx, "keyVaultStorage.pyrmont", "storage-0"))
	list, err = h.svc.LocalAccounts(ctx, "pyrmont")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "storage-0-pk", list[0].ValidationPubKey)
}
